// Package web serves the portal as server-rendered HTML forms. Each browser
// gets its own portal, keyed by a session cookie and kept in memory.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ChatPortal/internal/portal"

	"github.com/google/uuid"
)

// CookieName holds the browser's session id
const CookieName = "chatportal_session"

// DefaultIdleTimeout drops sessions nobody has touched for this long
const DefaultIdleTimeout = time.Hour

const modelsTimeout = 5 * time.Second

//go:embed templates static
var assets embed.FS

type modelSelect struct {
	ID     string
	Name   string
	Choice portal.ModelChoice
}

type entry struct {
	portal   *portal.Portal
	lastSeen time.Time
}

// Handler is the browser front end
type Handler struct {
	newPortal func() *portal.Portal
	logger    *slog.Logger
	tmpl      *template.Template
	mux       *http.ServeMux
	idle      time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// New creates the handler. newPortal is called once per browser session.
func New(newPortal func() *portal.Portal, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := template.New("index.html").Funcs(template.FuncMap{
		"providerLabel": portal.ProviderLabel,
		"modelSelect": func(id, name string, choice portal.ModelChoice) modelSelect {
			return modelSelect{ID: id, Name: name, Choice: choice}
		},
	}).ParseFS(assets, "templates/index.html")
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, err
	}

	h := &Handler{
		newPortal: newPortal,
		logger:    logger,
		tmpl:      tmpl,
		mux:       http.NewServeMux(),
		idle:      DefaultIdleTimeout,
		now:       time.Now,
		sessions:  make(map[string]*entry),
	}

	h.mux.HandleFunc("GET /{$}", h.handleIndex)
	h.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	h.mux.HandleFunc("POST /login", h.action(func(ctx context.Context, p *portal.Portal, r *http.Request) error {
		return p.Login(ctx, r.PostFormValue("username"), r.PostFormValue("password"))
	}))
	h.mux.HandleFunc("POST /logout", h.action(func(_ context.Context, p *portal.Portal, _ *http.Request) error {
		p.Logout()
		return nil
	}))
	h.mux.HandleFunc("POST /search", h.action(func(ctx context.Context, p *portal.Portal, r *http.Request) error {
		return p.Search(ctx, r.PostFormValue("query"), r.PostFormValue("rag_model"))
	}))
	h.mux.HandleFunc("POST /chat", h.action(func(ctx context.Context, p *portal.Portal, r *http.Request) error {
		return p.Send(ctx, r.PostFormValue("message"), r.PostFormValue("chat_model"))
	}))
	h.mux.HandleFunc("POST /chat/clear", h.action(func(_ context.Context, p *portal.Portal, _ *http.Request) error {
		p.ClearChat()
		return nil
	}))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Sessions returns the number of live browser sessions
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// portalFor returns the caller's portal, starting a session when the cookie
// is missing or unknown
func (h *Handler) portalFor(w http.ResponseWriter, r *http.Request) *portal.Portal {
	now := h.now()

	h.mu.Lock()
	if c, err := r.Cookie(CookieName); err == nil {
		if e, ok := h.sessions[c.Value]; ok {
			e.lastSeen = now
			h.mu.Unlock()
			return e.portal
		}
	}
	h.prune(now)
	id := uuid.NewString()
	p := h.newPortal()
	h.sessions[id] = &entry{portal: p, lastSeen: now}
	h.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	ctx, cancel := context.WithTimeout(r.Context(), modelsTimeout)
	defer cancel()
	if err := p.LoadModels(ctx); err != nil {
		h.logger.Warn("failed to load model lists", "error", err)
	}
	h.logger.Info("browser session started", "session_id", id)
	return p
}

// prune drops idle sessions. Caller holds h.mu.
func (h *Handler) prune(now time.Time) {
	for id, e := range h.sessions {
		if now.Sub(e.lastSeen) > h.idle {
			delete(h.sessions, id)
		}
	}
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	p := h.portalFor(w, r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.Execute(w, p.View()); err != nil {
		h.logger.Error("failed to render page", "error", err)
	}
}

// action runs a form handler and sends the browser back to the page
func (h *Handler) action(fn func(ctx context.Context, p *portal.Portal, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := h.portalFor(w, r)
		if err := fn(r.Context(), p, r); err != nil {
			if errors.Is(err, portal.ErrBusy) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			h.logger.Error("form action failed", "path", r.URL.Path, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}
