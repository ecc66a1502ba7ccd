package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ChatPortal/internal/api"
	"ChatPortal/internal/auth"
	"ChatPortal/internal/backend"
	"ChatPortal/internal/chat"
	"ChatPortal/internal/config"
	"ChatPortal/internal/rag"
	"ChatPortal/internal/session"
	"ChatPortal/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type users map[string]string

func (u users) VerifyPassword(_ context.Context, username, password string) (bool, error) {
	stored, ok := u[username]
	if !ok {
		return false, store.ErrUserNotFound
	}
	return stored == password, nil
}

type fakeLLM struct {
	mu     sync.Mutex
	answer string
	err    error
	last   []session.Message
}

func (f *fakeLLM) Complete(_ context.Context, _ config.Model, messages []session.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = messages
	return f.answer, f.err
}

type exchangeLog struct {
	mu        sync.Mutex
	exchanges []store.Exchange
}

func (l *exchangeLog) RecordExchange(_ context.Context, ex store.Exchange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exchanges = append(l.exchanges, ex)
	return nil
}

func (l *exchangeLog) all() []store.Exchange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.Exchange(nil), l.exchanges...)
}

type fixture struct {
	srv     *Server
	ts      *httptest.Server
	llm     *fakeLLM
	auth    *auth.Service
	log     *exchangeLog
	catalog config.Catalog
}

func newFixture(t *testing.T, requireAuth bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	creds := users{"admin": "password123", "demo": "demo"}

	authSvc, err := auth.NewService(creds, auth.Options{Secret: "test-secret", Tracer: tracer, Logger: logger})
	require.NoError(t, err)

	llm := &fakeLLM{answer: "an answer"}
	catalog := config.DefaultCatalog("http://localhost:11434")
	log := &exchangeLog{}

	srv, err := New(Options{
		Auth:        authSvc,
		RAG:         rag.NewService(rag.NewRetriever(rag.DefaultCorpus), catalog.RAG, llm, tracer, logger),
		Chat:        chat.NewService(catalog.Chat, llm, tracer, logger),
		Credentials: creds,
		Exchanges:   log,
		UI: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "ui")
		}),
		RequireAuth: requireAuth,
		Logger:      logger,
		Meter:       metricnoop.NewMeterProvider().Meter("test"),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, llm: llm, auth: authSvc, log: log, catalog: catalog}
}

func (f *fixture) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func detail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var e api.ErrorResponse
	decodeBody(t, resp, &e)
	return e.DetailText()
}

func TestNew_RequiresServices(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	f := newFixture(t, false)

	t.Run("success", func(t *testing.T) {
		resp := f.post(t, api.PathLogin, "", api.LoginRequest{Username: "admin", Password: "password123"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var tok api.TokenResponse
		decodeBody(t, resp, &tok)
		assert.Equal(t, "bearer", tok.TokenType)
		assert.Equal(t, 3600, tok.ExpiresIn)
		assert.Equal(t, "admin", tok.Username)

		sub, err := f.auth.Verify(tok.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "admin", sub)
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := f.post(t, api.PathLogin, "", api.LoginRequest{Username: "admin", Password: "nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid username or password", detail(t, resp))
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := f.post(t, api.PathLogin, "", "{not json")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Contains(t, detail(t, resp), "Invalid request body")
	})
}

func TestMockAuth(t *testing.T) {
	f := newFixture(t, false)

	resp := f.post(t, api.PathMockAuth, "", api.LoginRequest{Username: "demo", Password: "demo"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.post(t, api.PathMockAuth, "", api.LoginRequest{Username: "ghost", Password: "demo"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestModels(t *testing.T) {
	f := newFixture(t, false)

	for path, set := range map[string]config.ModelSet{
		api.PathRAGModels:  f.catalog.RAG,
		api.PathChatModels: f.catalog.Chat,
	} {
		resp, err := f.ts.Client().Get(f.ts.URL + path)
		require.NoError(t, err)
		var got api.ModelsResponse
		decodeBody(t, resp, &got)
		resp.Body.Close()
		assert.Equal(t, set.IDs(), got.Models, path)
		assert.Equal(t, set.Default, got.Default, path)
	}
}

func TestRAGQuery(t *testing.T) {
	f := newFixture(t, false)
	f.llm.answer = "Try hiking."

	resp := f.post(t, api.PathRAGQuery, "", api.RAGRequest{Query: "go for a hike"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got api.RAGResponse
	decodeBody(t, resp, &got)
	assert.Equal(t, "go for a hike", got.Query)
	assert.Equal(t, "Try hiking.", got.Answer)
	assert.Equal(t, "ollama/qwen2.5:latest", got.Model)
	require.Len(t, got.ContextDocuments, 3)
	assert.Equal(t, "Go for a hike and admire the natural scenery.", got.ContextDocuments[0])

	f.srv.Wait()
	logged := f.log.all()
	require.Len(t, logged, 1)
	assert.Equal(t, store.KindRAG, logged[0].Kind)
	assert.Equal(t, "Try hiking.", logged[0].Output)
	assert.Empty(t, logged[0].Username)
}

func TestChatMessage(t *testing.T) {
	f := newFixture(t, false)
	f.llm.answer = "Hello!"

	tok, err := f.auth.Login(context.Background(), "demo", "demo")
	require.NoError(t, err)

	resp := f.post(t, api.PathChat, tok.AccessToken, api.ChatRequest{
		Message: "hi",
		History: []session.Message{{Role: session.RoleUser, Content: "before"}, {Role: session.RoleAssistant, Content: "ok"}},
		Model:   "anthropic/claude-sonnet-4-6",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got api.ChatResponse
	decodeBody(t, resp, &got)
	assert.Equal(t, "Hello!", got.Message)
	assert.Equal(t, "anthropic/claude-sonnet-4-6", got.Model)
	require.Len(t, got.History, 4)
	assert.Equal(t, session.Message{Role: session.RoleUser, Content: "hi"}, got.History[2])
	assert.Equal(t, "Hello!", got.History[3].Content)

	f.srv.Wait()
	logged := f.log.all()
	require.Len(t, logged, 1)
	assert.Equal(t, store.KindChat, logged[0].Kind)
	assert.Equal(t, "demo", logged[0].Username)
}

func TestChatMessage_EmptyMessageAccepted(t *testing.T) {
	f := newFixture(t, false)

	resp := f.post(t, api.PathChat, "", `{"message": ""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got api.ChatResponse
	decodeBody(t, resp, &got)
	require.Len(t, got.History, 2)
	assert.Equal(t, "", got.History[0].Content)
}

func TestRAGQuery_Errors(t *testing.T) {
	tests := []struct {
		name   string
		llmErr error
		body   any
		status int
		detail string
	}{
		{
			name:   "missing query",
			body:   `{"model": "ollama/qwen2.5:latest"}`,
			status: http.StatusUnprocessableEntity,
			detail: `Invalid request body: field "query" is required`,
		},
		{
			name:   "provider failure keeps provider text",
			llmErr: errors.New("ollama chat failed: model is loading"),
			body:   api.RAGRequest{Query: "park"},
			status: http.StatusBadGateway,
			detail: "ollama chat failed: model is loading",
		},
		{
			name:   "timeout is not a connection failure",
			llmErr: fmt.Errorf("ollama chat failed: %w", context.DeadlineExceeded),
			body:   api.RAGRequest{Query: "park"},
			status: http.StatusBadGateway,
			detail: "ollama chat failed: context deadline exceeded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.llm.err = tt.llmErr

			resp := f.post(t, api.PathRAGQuery, "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.detail, detail(t, resp))
		})
	}
}

func TestChatMessage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		llmErr error
		body   any
		status int
		detail string
	}{
		{
			name:   "unknown model",
			body:   api.ChatRequest{Message: "hi", Model: "ollama/nope"},
			status: http.StatusBadRequest,
			detail: "Unknown model 'ollama/nope'. Available: ['ollama/llama3.2:latest', 'anthropic/claude-haiku-4-5-20251001', 'anthropic/claude-sonnet-4-6']",
		},
		{
			name:   "provider unreachable",
			llmErr: fmt.Errorf("%w: dial tcp", backend.ErrConnection),
			body:   api.ChatRequest{Message: "hi"},
			status: http.StatusServiceUnavailable,
			detail: "Cannot connect to model provider for 'ollama/llama3.2:latest'.",
		},
		{
			name:   "bad api key",
			llmErr: fmt.Errorf("%w: 401", backend.ErrAuthentication),
			body:   api.ChatRequest{Message: "hi", Model: "anthropic/claude-sonnet-4-6"},
			status: http.StatusUnauthorized,
			detail: "Invalid or missing API key for the selected provider.",
		},
		{
			name:   "other provider failure",
			llmErr: errors.New("model exploded"),
			body:   api.ChatRequest{Message: "hi"},
			status: http.StatusBadGateway,
			detail: "model exploded",
		},
		{
			name:   "invalid history role",
			body:   api.ChatRequest{Message: "hi", History: []session.Message{{Role: "robot", Content: "x"}}},
			status: http.StatusUnprocessableEntity,
			detail: `invalid history: unknown role "robot"`,
		},
		{
			name:   "malformed json",
			body:   `{"message": `,
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "missing message",
			body:   `{"history": []}`,
			status: http.StatusUnprocessableEntity,
			detail: `Invalid request body: field "message" is required`,
		},
		{
			name:   "null message",
			body:   `{"message": null}`,
			status: http.StatusUnprocessableEntity,
			detail: `Invalid request body: field "message" is required`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.llm.err = tt.llmErr

			resp := f.post(t, api.PathChat, "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			got := detail(t, resp)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, got)
			} else {
				assert.NotEmpty(t, got)
			}

			f.srv.Wait()
			assert.Empty(t, f.log.all())
		})
	}
}

func TestRequireAuth(t *testing.T) {
	f := newFixture(t, true)

	t.Run("missing token", func(t *testing.T) {
		resp := f.post(t, api.PathRAGQuery, "", api.RAGRequest{Query: "park"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Not authenticated", detail(t, resp))
	})

	t.Run("garbage token", func(t *testing.T) {
		resp := f.post(t, api.PathChat, "not-a-jwt", api.ChatRequest{Message: "hi"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		tok, err := f.auth.Login(context.Background(), "admin", "password123")
		require.NoError(t, err)
		resp := f.post(t, api.PathRAGQuery, tok.AccessToken, api.RAGRequest{Query: "park"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestUIMounted(t *testing.T) {
	f := newFixture(t, false)

	resp, err := f.ts.Client().Get(f.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ui", string(body))
}
