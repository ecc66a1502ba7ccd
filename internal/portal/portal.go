// Package portal is the front end: it holds the page state (bearer token and
// chat transcript), relays form input to the API and turns the answers into
// a View for rendering.
package portal

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"

	"ChatPortal/internal/api"
	"ChatPortal/internal/session"
)

// ErrBusy is returned when a form is submitted while its previous request is
// still in flight
var ErrBusy = errors.New("request already in flight")

// Chat notices
const (
	ChatReady   = "Chat ready. Send a message to start."
	ChatCleared = "Chat cleared. Start a new conversation."
)

// LoadingLabel replaces a control's label while its request is running
const LoadingLabel = "Loading…"

// API is what the portal needs from the backend
type API interface {
	Login(ctx context.Context, username, password string) (api.TokenResponse, error)
	Query(ctx context.Context, token, query, model string) (api.RAGResponse, error)
	Chat(ctx context.Context, token, message string, history []session.Message, model string) (api.ChatResponse, error)
	Models(ctx context.Context, path string) (api.ModelsResponse, error)
}

// Form identifies one of the three submit controls
type Form int

const (
	FormLogin Form = iota
	FormSearch
	FormChat
)

var formLabels = [...]string{
	FormLogin:  "Login",
	FormSearch: "Search",
	FormChat:   "Send",
}

func (f Form) String() string { return formLabels[f] }

// Control is the visible state of a submit button
type Control struct {
	Label    string
	Disabled bool
	Spinner  bool
}

// LoginResult is the login panel output
type LoginResult struct {
	Visible   bool
	OK        bool
	Message   string
	Token     string
	ExpiresIn int
	TokenType string
}

// SearchResult is the retrieval panel output
type SearchResult struct {
	Visible    bool
	OK         bool
	Message    string
	Answer     string
	AnswerHTML template.HTML // Set when markdown rendering is on
	Documents  []string
	ModelLabel string
}

// Bubble is one entry in the visible chat window
type Bubble struct {
	Role  string
	Text  string
	HTML  template.HTML // Set for assistant bubbles when markdown rendering is on
	Label string        // Provider label of the answering model
}

// ModelChoice is a model selector: the options and the current selection
type ModelChoice struct {
	Options  []string
	Selected string
}

// View is a snapshot of everything the page shows
type View struct {
	Authenticated bool
	Username      string
	Badge         string
	LogoutVisible bool

	Login  LoginResult
	Search SearchResult
	Chat   []Bubble

	LoginButton  Control
	SearchButton Control
	SendButton   Control

	RAGModels  ModelChoice
	ChatModels ModelChoice
}

// Option configures a Portal
type Option func(*Portal)

// WithMarkdown renders answers and assistant bubbles as markdown
func WithMarkdown(r *Markdown) Option {
	return func(p *Portal) { p.markdown = r }
}

// Portal is one page's worth of state. Safe for concurrent use; each form
// admits one request at a time.
type Portal struct {
	client   API
	logger   *slog.Logger
	markdown *Markdown

	mu         sync.Mutex
	token      string
	username   string
	transcript *session.Transcript
	bubbles    []Bubble
	login      LoginResult
	search     SearchResult
	busy       [len(formLabels)]bool
	ragModels  ModelChoice
	chatModels ModelChoice
}

// New creates a portal with an empty session
func New(client API, logger *slog.Logger, opts ...Option) *Portal {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Portal{
		client:     client,
		logger:     logger,
		transcript: session.NewTranscript(),
		bubbles:    []Bubble{{Role: session.RoleSystem, Text: ChatReady}},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProviderLabel turns "ollama/llama3.2:latest" into "Ollama · llama3.2:latest".
// Unknown providers are returned unchanged.
func ProviderLabel(model string) string {
	for _, p := range providerNames {
		if rest, ok := strings.CutPrefix(model, p.prefix); ok {
			return p.name + " · " + rest
		}
	}
	return model
}

var providerNames = []struct{ prefix, name string }{
	{"ollama/", "Ollama"},
	{"anthropic/", "Anthropic"},
	{"openai/", "OpenAI"},
}

// describe renders a failed request the way every panel shows it
func describe(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		detail := apiErr.Detail
		if detail == "" {
			detail = fallback
		}
		return fmt.Sprintf("Error %d: %s", apiErr.Status, detail)
	}
	return "Network error: " + err.Error()
}

// begin marks form busy. Caller holds p.mu.
func (p *Portal) begin(form Form) error {
	if p.busy[form] {
		return ErrBusy
	}
	p.busy[form] = true
	return nil
}

func (p *Portal) end(form Form) {
	p.busy[form] = false
}

// Busy reports whether form has a request in flight
func (p *Portal) Busy(form Form) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy[form]
}

// Token returns the bearer token, empty when logged out
func (p *Portal) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// History returns the transcript that will accompany the next chat message
func (p *Portal) History() []session.Message {
	return p.transcript.Messages()
}

// Login submits credentials. Every outcome is rendered into the view; the
// only error returned is ErrBusy.
func (p *Portal) Login(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)

	p.mu.Lock()
	if err := p.begin(FormLogin); err != nil {
		p.mu.Unlock()
		return err
	}
	p.login.Visible = false
	p.mu.Unlock()

	resp, err := p.client.Login(ctx, username, password)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.end(FormLogin)

	var apiErr *APIError
	switch {
	case err == nil:
		p.token = resp.AccessToken
		p.username = resp.Username
		p.login = LoginResult{
			OK:        true,
			Message:   "Login successful!",
			Token:     resp.AccessToken,
			ExpiresIn: resp.ExpiresIn,
			TokenType: resp.TokenType,
		}
		p.logger.Info("login succeeded", "username", resp.Username)
	case errors.As(err, &apiErr):
		p.token, p.username = "", ""
		p.login = LoginResult{Message: describe(err, "Login failed")}
		p.logger.Info("login rejected", "username", username, "status", apiErr.Status)
	default:
		p.login = LoginResult{Message: describe(err, "Login failed")}
		p.logger.Warn("login request failed", "error", err)
	}
	p.login.Visible = true
	return nil
}

// Logout forgets the token and hides the login result
func (p *Portal) Logout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token, p.username = "", ""
	p.login.Visible = false
}

// Search runs a retrieval query. A blank query does nothing.
func (p *Portal) Search(ctx context.Context, query, model string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	p.mu.Lock()
	if err := p.begin(FormSearch); err != nil {
		p.mu.Unlock()
		return err
	}
	p.search.Visible = false
	p.ragModels.Selected = model
	token := p.token
	p.mu.Unlock()

	resp, err := p.client.Query(ctx, token, query, model)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.end(FormSearch)

	if err != nil {
		p.search = SearchResult{Message: describe(err, "RAG query failed")}
		p.logger.Warn("rag query failed", "model", model, "error", err)
	} else {
		p.search = SearchResult{
			OK:         true,
			Answer:     resp.Answer,
			AnswerHTML: p.markdown.Render(resp.Answer),
			Documents:  resp.ContextDocuments,
			ModelLabel: ProviderLabel(resp.Model),
		}
	}
	p.search.Visible = true
	return nil
}

// Send posts a chat message with the transcript. The user bubble appears
// immediately; the transcript only changes when the API answers successfully.
// A blank message does nothing.
func (p *Portal) Send(ctx context.Context, message, model string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}

	p.mu.Lock()
	if err := p.begin(FormChat); err != nil {
		p.mu.Unlock()
		return err
	}
	p.bubbles = append(p.bubbles, Bubble{Role: session.RoleUser, Text: message})
	p.chatModels.Selected = model
	token := p.token
	history := p.transcript.Messages()
	p.mu.Unlock()

	resp, err := p.client.Chat(ctx, token, message, history, model)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.end(FormChat)

	if err != nil {
		p.bubbles = append(p.bubbles, Bubble{Role: session.RoleSystem, Text: describe(err, "Chat failed")})
		p.logger.Warn("chat message failed", "model", model, "error", err)
		return nil
	}

	p.transcript.Replace(resp.History)
	p.bubbles = append(p.bubbles, Bubble{
		Role:  session.RoleAssistant,
		Text:  resp.Message,
		HTML:  p.markdown.Render(resp.Message),
		Label: ProviderLabel(resp.Model),
	})
	return nil
}

// ClearChat empties the transcript and the chat window together
func (p *Portal) ClearChat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcript.Clear()
	p.bubbles = []Bubble{{Role: session.RoleSystem, Text: ChatCleared}}
}

// LoadModels fills the model selectors. A failed list leaves that selector
// empty, in which case requests go out without a model and the API default applies.
func (p *Portal) LoadModels(ctx context.Context) error {
	var errs []error
	rag, err := p.client.Models(ctx, api.PathRAGModels)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list rag models: %w", err))
	}
	chat, err := p.client.Models(ctx, api.PathChatModels)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list chat models: %w", err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if rag.Models != nil {
		p.ragModels = ModelChoice{Options: rag.Models, Selected: rag.Default}
	}
	if chat.Models != nil {
		p.chatModels = ModelChoice{Options: chat.Models, Selected: chat.Default}
	}
	return errors.Join(errs...)
}

func (p *Portal) control(form Form) Control {
	if p.busy[form] {
		return Control{Label: LoadingLabel, Disabled: true, Spinner: true}
	}
	return Control{Label: form.String()}
}

// View returns a snapshot of the page
func (p *Portal) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := View{
		Authenticated: p.token != "",
		Username:      p.username,
		Badge:         "Not Authenticated",
		Login:         p.login,
		Search:        p.search,
		Chat:          append([]Bubble(nil), p.bubbles...),
		LoginButton:   p.control(FormLogin),
		SearchButton:  p.control(FormSearch),
		SendButton:    p.control(FormChat),
		RAGModels:     p.ragModels,
		ChatModels:    p.chatModels,
	}
	if v.Authenticated {
		v.Badge = "Authenticated as " + p.username
		v.LogoutVisible = true
	}
	return v
}
