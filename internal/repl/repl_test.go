package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChatPortal/internal/api"
	"ChatPortal/internal/portal"
	"ChatPortal/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	chatModels []string
	lastChat   api.ChatRequest
	lastRAG    api.RAGRequest
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		var req api.LoginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			reply(w, http.StatusUnauthorized, api.NewError("Invalid username or password"))
			return
		}
		reply(w, http.StatusOK, api.TokenResponse{AccessToken: "tok", TokenType: "bearer", ExpiresIn: 3600, Username: req.Username})
	})
	mux.HandleFunc(api.PathChatModels, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, api.ModelsResponse{Models: f.chatModels, Default: f.chatModels[0]})
	})
	mux.HandleFunc(api.PathRAGModels, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, api.ModelsResponse{Models: []string{"ollama/qwen2.5:latest"}, Default: "ollama/qwen2.5:latest"})
	})
	mux.HandleFunc(api.PathRAGQuery, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.lastRAG)
		reply(w, http.StatusOK, api.RAGResponse{
			Query:            f.lastRAG.Query,
			Answer:           "Go to the museum.",
			ContextDocuments: []string{"Visit a local museum and discover something new."},
			Model:            f.lastRAG.Model,
		})
	})
	mux.HandleFunc(api.PathChat, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.lastChat)
		if f.lastChat.Message == "fail" {
			reply(w, http.StatusBadGateway, api.NewError("upstream broke"))
			return
		}
		answer := "re: " + f.lastChat.Message
		history := append(f.lastChat.History,
			session.Message{Role: session.RoleUser, Content: f.lastChat.Message},
			session.Message{Role: session.RoleAssistant, Content: answer},
		)
		reply(w, http.StatusOK, api.ChatResponse{Message: answer, Model: f.lastChat.Model, History: history})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, f *fakeAPI, input string) (string, *portal.Portal) {
	t.Helper()
	ts := f.server(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := portal.New(portal.NewClient(ts.URL, ts.Client()), logger)

	var out bytes.Buffer
	r := New(p, strings.NewReader(input), &out, logger)
	require.NoError(t, r.Run(context.Background()))
	return out.String(), p
}

func newFake() *fakeAPI {
	return &fakeAPI{chatModels: []string{"ollama/llama3.2:latest", "anthropic/claude-sonnet-4-6"}}
}

func TestRun_Banner(t *testing.T) {
	out, _ := run(t, newFake(), "")
	assert.Contains(t, out, "=== ChatPortal ===")
	assert.Contains(t, out, "Chat model: Ollama · llama3.2:latest")
	assert.Contains(t, out, "* "+portal.ChatReady)
	assert.True(t, strings.HasSuffix(out, "Goodbye!\n"))
}

func TestRun_Chat(t *testing.T) {
	f := newFake()
	out, p := run(t, f, "hello\n\nagain\n/quit\nnever sent\n")

	assert.Contains(t, out, "Bot [Ollama · llama3.2:latest]: re: hello")
	assert.Contains(t, out, "Bot [Ollama · llama3.2:latest]: re: again")
	assert.NotContains(t, out, "never sent")
	assert.Equal(t, "again", f.lastChat.Message)
	assert.Len(t, f.lastChat.History, 2)
	assert.Len(t, p.History(), 4)
}

func TestRun_ChatFailure(t *testing.T) {
	out, p := run(t, newFake(), "fail\n")
	assert.Contains(t, out, "* Error 502: upstream broke")
	assert.Empty(t, p.History())
}

func TestRun_LoginLogout(t *testing.T) {
	out, p := run(t, newFake(), "/login user wrong\n/login user secret\n/status\n/logout\n")

	assert.Contains(t, out, "Error 401: Invalid username or password")
	assert.Contains(t, out, "Login successful!")
	assert.Contains(t, out, "Expires in: 3600s | Type: bearer")
	assert.Contains(t, out, "Authenticated as user")
	assert.Contains(t, out, "Not Authenticated")
	assert.Empty(t, p.Token())
}

func TestRun_Search(t *testing.T) {
	f := newFake()
	out, _ := run(t, f, "/search   what to do\n/search\n")

	assert.Equal(t, "what to do", f.lastRAG.Query)
	assert.Equal(t, "ollama/qwen2.5:latest", f.lastRAG.Model)
	assert.Contains(t, out, "Go to the museum.")
	assert.Contains(t, out, "Retrieved Context · Ollama · qwen2.5:latest")
	assert.Contains(t, out, "  - Visit a local museum and discover something new.")
	assert.Contains(t, out, "Error: usage: /search <query>")
}

func TestRun_Models(t *testing.T) {
	f := newFake()
	out, _ := run(t, f, "/model chat anthropic/claude-sonnet-4-6\n/model chat ollama/nope\n/model voice x/y\n/models\nhi\n")

	assert.Contains(t, out, "chat model set to: Anthropic · claude-sonnet-4-6")
	assert.Contains(t, out, "Error: unknown model: ollama/nope")
	assert.Contains(t, out, "Error: unknown model target: voice")
	assert.Contains(t, out, "2. Anthropic · claude-sonnet-4-6 (current)")
	assert.Equal(t, "anthropic/claude-sonnet-4-6", f.lastChat.Model)
	assert.Contains(t, out, "Bot [Anthropic · claude-sonnet-4-6]: re: hi")
}

func TestRun_Clear(t *testing.T) {
	out, p := run(t, newFake(), "hello\n/clear\n/status\n")

	assert.Contains(t, out, "* "+portal.ChatCleared)
	assert.Contains(t, out, "Transcript: 0 messages")
	assert.Empty(t, p.History())
}

func TestRun_UnknownCommand(t *testing.T) {
	out, _ := run(t, newFake(), "/dance\n/help\n")
	assert.Contains(t, out, "Error: unknown command: /dance (try /help)")
	assert.Contains(t, out, "Available commands:")
}
