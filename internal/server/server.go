// Package server exposes the auth, retrieval and chat services over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ChatPortal/internal/api"
	"ChatPortal/internal/auth"
	"ChatPortal/internal/backend"
	"ChatPortal/internal/chat"
	"ChatPortal/internal/config"
	"ChatPortal/internal/rag"
	"ChatPortal/internal/session"
	"ChatPortal/internal/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const recordTimeout = 5 * time.Second

// Authenticator issues and checks bearer tokens
type Authenticator interface {
	Login(ctx context.Context, username, password string) (auth.Token, error)
	Verify(token string) (string, error)
}

// Querier answers retrieval-augmented questions
type Querier interface {
	Query(ctx context.Context, query, modelID string) (rag.Result, error)
	Models() config.ModelSet
}

// Chatter runs chat exchanges
type Chatter interface {
	Send(ctx context.Context, message string, history []session.Message, modelID string) (chat.Reply, error)
	Models() config.ModelSet
}

// ExchangeLog persists served exchanges
type ExchangeLog interface {
	RecordExchange(ctx context.Context, ex store.Exchange) error
}

// Options wires the server's collaborators. Credentials, Exchanges and UI are optional.
type Options struct {
	Auth        Authenticator
	RAG         Querier
	Chat        Chatter
	Credentials auth.CredentialStore // Backs the mock remote auth endpoint
	Exchanges   ExchangeLog
	UI          http.Handler // Mounted at "/"
	RequireAuth bool
	Logger      *slog.Logger
	Meter       metric.Meter
}

// Server routes API requests
type Server struct {
	opts     Options
	mux      *http.ServeMux
	logger   *slog.Logger
	requests metric.Int64Counter
	failures metric.Int64Counter

	wg sync.WaitGroup // pending exchange writes
}

// New builds the route table
func New(opts Options) (*Server, error) {
	if opts.Auth == nil || opts.RAG == nil || opts.Chat == nil {
		return nil, fmt.Errorf("auth, rag and chat services are required")
	}
	if opts.Logger == nil || opts.Meter == nil {
		return nil, fmt.Errorf("logger and meter are required")
	}

	requests, err := opts.Meter.Int64Counter(
		"api.requests",
		metric.WithDescription("API requests by route"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	failures, err := opts.Meter.Int64Counter(
		"api.errors",
		metric.WithDescription("API error responses by route and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	s := &Server{
		opts:     opts,
		mux:      http.NewServeMux(),
		logger:   opts.Logger,
		requests: requests,
		failures: failures,
	}

	s.route("POST "+api.PathLogin, s.handleLogin)
	s.route("POST "+api.PathRAGQuery, s.handleRAGQuery)
	s.route("GET "+api.PathRAGModels, s.handleModels(opts.RAG.Models))
	s.route("POST "+api.PathChat, s.handleChat)
	s.route("GET "+api.PathChatModels, s.handleModels(opts.Chat.Models))
	s.route("GET "+api.PathChatSocket, s.handleChatSocket)
	if opts.Credentials != nil {
		s.route("POST "+api.PathMockAuth, s.handleMockAuth)
	}
	if opts.UI != nil {
		s.mux.Handle("/", opts.UI)
	}
	return s, nil
}

// Handler returns the instrumented root handler
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.mux, "chatportal",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Wait blocks until queued exchange writes have finished
func (s *Server) Wait() {
	s.wg.Wait()
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// httpError is an error with the status and detail it should be rendered as
type httpError struct {
	status int
	detail string
	err    error
}

func (e *httpError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.detail
}

func (e *httpError) Unwrap() error { return e.err }

func (s *Server) route(pattern string, h handlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		route := attribute.String("http.route", pattern)
		s.requests.Add(r.Context(), 1, metric.WithAttributes(route))

		err := h(w, r)
		if err == nil {
			return
		}

		herr := &httpError{}
		if !errors.As(err, &herr) {
			herr = &httpError{status: http.StatusInternalServerError, detail: "Internal server error", err: err}
		}
		s.failures.Add(r.Context(), 1, metric.WithAttributes(route, attribute.Int("http.status", herr.status)))
		if herr.status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "route", pattern, "status", herr.status, "error", err)
		} else {
			s.logger.Info("request rejected", "route", pattern, "status", herr.status, "detail", herr.detail)
		}
		writeJSON(w, herr.status, api.NewError(herr.detail))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to write response", "error", err)
	}
}

func decode(r *http.Request, v any) error {
	return decodeFrom(r.Body, v)
}

func decodeFrom(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return &httpError{
			status: http.StatusUnprocessableEntity,
			detail: fmt.Sprintf("Invalid request body: %v", err),
			err:    err,
		}
	}
	return nil
}

func missingField(name string) error {
	return &httpError{
		status: http.StatusUnprocessableEntity,
		detail: fmt.Sprintf("Invalid request body: field %q is required", name),
	}
}

// chatBody shadows the required message so an absent or null one can be told
// apart from an empty string
type chatBody struct {
	api.ChatRequest
	Message *string `json:"message"`
}

func (b chatBody) request() (api.ChatRequest, error) {
	if b.Message == nil {
		return api.ChatRequest{}, missingField("message")
	}
	req := b.ChatRequest
	req.Message = *b.Message
	return req, nil
}

func decodeChat(r io.Reader) (api.ChatRequest, error) {
	var body chatBody
	if err := decodeFrom(r, &body); err != nil {
		return api.ChatRequest{}, err
	}
	return body.request()
}

type ragBody struct {
	api.RAGRequest
	Query *string `json:"query"`
}

func decodeRAG(r io.Reader) (api.RAGRequest, error) {
	var body ragBody
	if err := decodeFrom(r, &body); err != nil {
		return api.RAGRequest{}, err
	}
	if body.Query == nil {
		return api.RAGRequest{}, missingField("query")
	}
	req := body.RAGRequest
	req.Query = *body.Query
	return req, nil
}

// caller returns the authenticated username, if any. With RequireAuth a
// missing or invalid token is an error.
func (s *Server) caller(r *http.Request) (string, error) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		if s.opts.RequireAuth {
			return "", &httpError{status: http.StatusUnauthorized, detail: "Not authenticated"}
		}
		return "", nil
	}
	username, err := s.opts.Auth.Verify(token)
	if err != nil {
		if s.opts.RequireAuth {
			return "", &httpError{status: http.StatusUnauthorized, detail: "Not authenticated", err: err}
		}
		return "", nil
	}
	return username, nil
}

// modelError maps a service failure to the response the front ends expect
func modelError(err error, modelID string) error {
	var unknown *config.UnknownModelError
	switch {
	case errors.As(err, &unknown):
		return &httpError{status: http.StatusBadRequest, detail: unknown.Error(), err: err}
	case errors.Is(err, chat.ErrInvalidHistory):
		return &httpError{status: http.StatusUnprocessableEntity, detail: err.Error(), err: err}
	case errors.Is(err, backend.ErrConnection):
		return &httpError{
			status: http.StatusServiceUnavailable,
			detail: fmt.Sprintf("Cannot connect to model provider for '%s'.", modelID),
			err:    err,
		}
	case errors.Is(err, backend.ErrAuthentication):
		return &httpError{
			status: http.StatusUnauthorized,
			detail: "Invalid or missing API key for the selected provider.",
			err:    err,
		}
	default:
		return &httpError{status: http.StatusBadGateway, detail: providerMessage(err), err: err}
	}
}

// providerMessage drops the service's own "... completion failed" prefix so
// the detail is the provider's error text
func providerMessage(err error) string {
	if inner := errors.Unwrap(err); inner != nil {
		return inner.Error()
	}
	return err.Error()
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req api.LoginRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	token, err := s.opts.Auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return &httpError{status: http.StatusUnauthorized, detail: "Invalid username or password", err: err}
	}
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, api.TokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresIn:   token.ExpiresIn,
		Username:    token.Username,
	})
	return nil
}

func (s *Server) handleMockAuth(w http.ResponseWriter, r *http.Request) error {
	var req api.LoginRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	ok, err := s.opts.Credentials.VerifyPassword(r.Context(), req.Username, req.Password)
	if errors.Is(err, store.ErrUserNotFound) {
		ok, err = false, nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return &httpError{status: http.StatusUnauthorized, detail: "Invalid username or password"}
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "username": req.Username})
	return nil
}

func (s *Server) handleModels(models func() config.ModelSet) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		set := models()
		writeJSON(w, http.StatusOK, api.ModelsResponse{Models: set.IDs(), Default: set.Default})
		return nil
	}
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) error {
	username, err := s.caller(r)
	if err != nil {
		return err
	}
	req, err := decodeRAG(r.Body)
	if err != nil {
		return err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = s.opts.RAG.Models().Default
	}

	res, err := s.opts.RAG.Query(r.Context(), req.Query, modelID)
	if err != nil {
		return modelError(err, modelID)
	}

	s.record(store.Exchange{
		Kind:     store.KindRAG,
		Model:    res.Model,
		Username: username,
		Input:    req.Query,
		Output:   res.Answer,
	})
	writeJSON(w, http.StatusOK, api.RAGResponse{
		Query:            res.Query,
		Answer:           res.Answer,
		ContextDocuments: res.Documents,
		Model:            res.Model,
	})
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) error {
	username, err := s.caller(r)
	if err != nil {
		return err
	}
	req, err := decodeChat(r.Body)
	if err != nil {
		return err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = s.opts.Chat.Models().Default
	}

	reply, err := s.opts.Chat.Send(r.Context(), req.Message, req.History, modelID)
	if err != nil {
		return modelError(err, modelID)
	}

	s.record(store.Exchange{
		Kind:     store.KindChat,
		Model:    reply.Model,
		Username: username,
		Input:    req.Message,
		Output:   reply.Message,
	})
	writeJSON(w, http.StatusOK, api.ChatResponse{
		Message: reply.Message,
		Model:   reply.Model,
		History: reply.History,
	})
	return nil
}

// record writes the exchange in the background so the response is not held up
func (s *Server) record(ex store.Exchange) {
	if s.opts.Exchanges == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.opts.Exchanges.RecordExchange(ctx, ex); err != nil {
			s.logger.Error("failed to record exchange", "kind", ex.Kind, "error", err)
		}
	}()
}
