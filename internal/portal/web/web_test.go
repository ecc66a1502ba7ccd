package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"ChatPortal/internal/api"
	"ChatPortal/internal/portal"
	"ChatPortal/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc(api.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		var req api.LoginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "demo" {
			reply(w, http.StatusUnauthorized, api.NewError("Invalid username or password"))
			return
		}
		reply(w, http.StatusOK, api.TokenResponse{AccessToken: "tok", TokenType: "bearer", ExpiresIn: 3600, Username: req.Username})
	})
	mux.HandleFunc(api.PathRAGModels, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, api.ModelsResponse{Models: []string{"ollama/qwen2.5:latest", "anthropic/claude-sonnet-4-6"}, Default: "ollama/qwen2.5:latest"})
	})
	mux.HandleFunc(api.PathChatModels, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, api.ModelsResponse{Models: []string{"ollama/llama3.2:latest"}, Default: "ollama/llama3.2:latest"})
	})
	mux.HandleFunc(api.PathRAGQuery, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, api.RAGResponse{
			Answer:           "Try <the> park",
			ContextDocuments: []string{"Take a leisurely walk in the park and enjoy the fresh air."},
			Model:            "ollama/qwen2.5:latest",
		})
	})
	mux.HandleFunc(api.PathChat, func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		history := append(req.History,
			session.Message{Role: session.RoleUser, Content: req.Message},
			session.Message{Role: session.RoleAssistant, Content: "pong"},
		)
		reply(w, http.StatusOK, api.ChatResponse{Message: "pong", Model: "ollama/llama3.2:latest", History: history})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestUI(t *testing.T) (*Handler, *httptest.Server, *http.Client) {
	t.Helper()
	apiServer := fakeAPI(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, err := New(func() *portal.Portal {
		return portal.New(portal.NewClient(apiServer.URL, apiServer.Client()), logger)
	}, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return h, ts, &http.Client{Jar: jar}
}

func page(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestIndex(t *testing.T) {
	h, ts, client := newTestUI(t)

	resp, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	body := page(t, resp)

	assert.Contains(t, body, "Not Authenticated")
	assert.Contains(t, body, portal.ChatReady)
	assert.Contains(t, body, `<option value="anthropic/claude-sonnet-4-6">Anthropic · claude-sonnet-4-6</option>`)
	assert.Contains(t, body, `<option value="ollama/qwen2.5:latest" selected>Ollama · qwen2.5:latest</option>`)
	assert.Contains(t, body, `id="logout-btn" type="submit" class="hidden"`)
	assert.Equal(t, 1, h.Sessions())

	resp, err = client.Get(ts.URL + "/")
	require.NoError(t, err)
	page(t, resp)
	assert.Equal(t, 1, h.Sessions(), "cookie reuses the session")
}

func TestStaticAndNotFound(t *testing.T) {
	_, ts, client := newTestUI(t)

	resp, err := client.Get(ts.URL + "/static/style.css")
	require.NoError(t, err)
	assert.Contains(t, page(t, resp), ".chat-bubble")

	resp, err = client.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoginFlow(t *testing.T) {
	_, ts, client := newTestUI(t)

	resp, err := client.PostForm(ts.URL+"/login", url.Values{"username": {"demo"}, "password": {"demo"}})
	require.NoError(t, err)
	body := page(t, resp)
	assert.Contains(t, body, "Authenticated as demo")
	assert.Contains(t, body, "Login successful!")
	assert.Contains(t, body, "Expires in: 3600s")
	assert.NotContains(t, body, `class="hidden">Logout`)

	resp, err = client.PostForm(ts.URL+"/logout", nil)
	require.NoError(t, err)
	body = page(t, resp)
	assert.Contains(t, body, "Not Authenticated")
	assert.NotContains(t, body, "Login successful!")

	resp, err = client.PostForm(ts.URL+"/login", url.Values{"username": {"demo"}, "password": {"bad"}})
	require.NoError(t, err)
	assert.Contains(t, page(t, resp), "Error 401: Invalid username or password")
}

func TestSearchEscapesAnswer(t *testing.T) {
	_, ts, client := newTestUI(t)

	resp, err := client.PostForm(ts.URL+"/search", url.Values{"query": {"park"}, "rag_model": {"ollama/qwen2.5:latest"}})
	require.NoError(t, err)
	body := page(t, resp)
	assert.Contains(t, body, "Try &lt;the&gt; park")
	assert.Contains(t, body, "<li>Take a leisurely walk in the park and enjoy the fresh air.</li>")
	assert.Contains(t, body, "Retrieved Context · <span class=\"model\">Ollama · qwen2.5:latest</span>")
}

func TestChatFlow(t *testing.T) {
	_, ts, client := newTestUI(t)

	resp, err := client.PostForm(ts.URL+"/chat", url.Values{"message": {"ping"}, "chat_model": {"ollama/llama3.2:latest"}})
	require.NoError(t, err)
	body := page(t, resp)
	assert.Contains(t, body, "ping")
	assert.Contains(t, body, `<div class="bubble-model">Ollama · llama3.2:latest</div>`)

	resp, err = client.PostForm(ts.URL+"/chat/clear", nil)
	require.NoError(t, err)
	body = page(t, resp)
	assert.Contains(t, body, portal.ChatCleared)
	assert.NotContains(t, body, "pong")
}

func TestSessionsAreIsolated(t *testing.T) {
	h, ts, alice := newTestUI(t)

	resp, err := alice.PostForm(ts.URL+"/login", url.Values{"username": {"alice"}, "password": {"demo"}})
	require.NoError(t, err)
	page(t, resp)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	bob := &http.Client{Jar: jar}
	resp, err = bob.Get(ts.URL + "/")
	require.NoError(t, err)
	body := page(t, resp)

	assert.Contains(t, body, "Not Authenticated")
	assert.Equal(t, 2, h.Sessions())
}

func TestIdleSessionsPruned(t *testing.T) {
	h, ts, client := newTestUI(t)
	start := time.Now()
	h.now = func() time.Time { return start }

	resp, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	page(t, resp)
	require.Equal(t, 1, h.Sessions())

	h.now = func() time.Time { return start.Add(2 * DefaultIdleTimeout) }
	other, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	page(t, other)

	assert.Equal(t, 1, h.Sessions(), "the idle session was replaced")
	assert.True(t, strings.HasPrefix(other.Header.Get("Set-Cookie"), CookieName+"="))
}
