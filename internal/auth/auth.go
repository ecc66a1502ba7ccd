package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ChatPortal/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TokenType is the scheme of issued tokens
const TokenType = "bearer"

var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrInvalidToken is returned when a bearer token fails verification
	ErrInvalidToken = errors.New("invalid token")
)

// CredentialStore checks passwords
type CredentialStore interface {
	VerifyPassword(ctx context.Context, username, password string) (bool, error)
}

// Token is an issued bearer token
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int // seconds
	Username    string
	ID          string
}

// Options configures the service
type Options struct {
	Secret        string
	TTL           time.Duration
	RemoteAuthURL string       // Probed before local validation; empty skips the probe
	HTTPClient    *http.Client // Used for the probe; defaults to a 2s timeout client
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// Service issues and verifies tokens
type Service struct {
	store      CredentialStore
	secret     []byte
	ttl        time.Duration
	remoteURL  string
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates an auth service
func NewService(creds CredentialStore, opts Options) (*Service, error) {
	if creds == nil {
		return nil, fmt.Errorf("credential store cannot be nil")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if opts.Logger == nil || opts.Tracer == nil {
		return nil, fmt.Errorf("logger and tracer are required")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	return &Service{
		store:      creds,
		secret:     []byte(opts.Secret),
		ttl:        opts.TTL,
		remoteURL:  opts.RemoteAuthURL,
		httpClient: opts.HTTPClient,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
		now:        time.Now,
	}, nil
}

// Login validates credentials and issues a signed token
func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	ctx, span := s.tracer.Start(ctx, "auth.login")
	defer span.End()
	span.SetAttributes(attribute.String("auth.username", username))

	s.probeRemote(ctx, span, username, password)

	ok, err := s.store.VerifyPassword(ctx, username, password)
	if errors.Is(err, store.ErrUserNotFound) {
		ok, err = false, nil
	}
	if err != nil {
		span.RecordError(err)
		return Token{}, fmt.Errorf("failed to verify credentials: %w", err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("auth.success", false))
		s.logger.Info("login rejected", "username", username)
		return Token{}, ErrInvalidCredentials
	}

	now := s.now()
	tokenID := uuid.NewString()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ID:        tokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		span.RecordError(err)
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("auth.success", true),
		attribute.String("auth.token_id", tokenID),
	)
	s.logger.Info("login succeeded", "username", username, "token_id", tokenID)

	return Token{
		AccessToken: signed,
		TokenType:   TokenType,
		ExpiresIn:   int(s.ttl.Seconds()),
		Username:    username,
		ID:          tokenID,
	}, nil
}

// probeRemote calls the remote auth service. Its answer is only recorded;
// validation always happens against the local store.
func (s *Service) probeRemote(ctx context.Context, span trace.Span, username, password string) {
	if s.remoteURL == "" {
		return
	}
	span.AddEvent("Calling remote authentication service", trace.WithAttributes(
		attribute.String("remote_url", s.remoteURL),
	))

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.remoteURL, bytes.NewReader(body))
	if err != nil {
		span.AddEvent("Remote auth unavailable, using local mock")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug("remote auth unavailable", "url", s.remoteURL, "error", err)
		span.AddEvent("Remote auth unavailable, using local mock")
		return
	}
	resp.Body.Close()
	span.AddEvent("Remote auth service responded", trace.WithAttributes(
		attribute.Int("status", resp.StatusCode),
	))
}

// Verify checks a token's signature and expiry and returns its subject
func (s *Service) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
