// Package web serves the password-protected dashboard. The dashboard's
// API calls go through /web/api/ and reach the orchestrator routes only
// with a valid session.
package web

import (
	"crypto/subtle"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/local/bookfetch/internal/config"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	sessionCookie = "bookfetch_session"
	sessionTTL    = 12 * time.Hour
)

// ErrNoCredentials is returned when a password hash cannot be derived.
var ErrNoCredentials = errors.New("web: WEB_USERNAME and WEB_PASSWORD or WEB_PASSWORD_HASH must be set")

type Web struct {
	tpl      *template.Template
	api      http.Handler
	username string
	hash     []byte

	mu       sync.Mutex
	sessions map[string]time.Time
	now      func() time.Time
}

// New builds the dashboard in front of api. Without credentials every
// dashboard route answers 403; the rest of the server keeps working.
func New(cfg config.WebConfig, api http.Handler) (*Web, error) {
	tpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	w := &Web{
		tpl:      tpl,
		api:      api,
		username: cfg.Username,
		sessions: map[string]time.Time{},
		now:      time.Now,
	}
	switch {
	case cfg.Username == "":
	case cfg.PasswordHash != "":
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, err
		}
		w.hash = []byte(cfg.PasswordHash)
	case cfg.Password != "":
		if w.hash, err = bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost); err != nil {
			return nil, err
		}
	}
	if !w.enabled() {
		log.Warn().Err(ErrNoCredentials).Msg("dashboard disabled")
	}
	return w, nil
}

func (w *Web) enabled() bool { return w.username != "" && len(w.hash) > 0 }

func (w *Web) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/web/login", w.handleLogin)
	mux.HandleFunc("/web/logout", w.handleLogout)
	mux.HandleFunc("/web/{$}", w.requireAuth(w.handleDashboard))
	mux.HandleFunc("/web/dashboard", w.requireAuth(w.handleDashboard))
	proxied := http.StripPrefix("/web", w.api)
	mux.Handle("/web/api/", w.requireAPIAuth(proxied))
	mux.Handle("/web/download/", w.requireAPIAuth(proxied))
}

func (w *Web) render(wr http.ResponseWriter, name string, data any) {
	wr.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tpl.ExecuteTemplate(wr, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("render failed")
	}
}

func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		if !w.enabled() {
			http.Error(wr, "WEB_USERNAME/WEB_PASSWORD not set", http.StatusForbidden)
			return
		}
		if !w.authenticated(r) {
			http.Redirect(wr, r, "/web/login", http.StatusSeeOther)
			return
		}
		next(wr, r)
	}
}

// requireAPIAuth answers with a status code instead of a redirect so the
// dashboard's fetch calls can tell an expired session apart.
func (w *Web) requireAPIAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		if !w.enabled() {
			http.Error(wr, "dashboard disabled", http.StatusForbidden)
			return
		}
		if !w.authenticated(r) {
			http.Error(wr, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(wr, r)
	})
}

func (w *Web) authenticated(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.sessions[c.Value]
	if !ok {
		return false
	}
	if w.now().After(exp) {
		delete(w.sessions, c.Value)
		return false
	}
	return true
}

func (w *Web) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(w.username)) == 1
	// Always run bcrypt so a wrong user name takes as long as a wrong password.
	passOK := bcrypt.CompareHashAndPassword(w.hash, []byte(password)) == nil
	return userOK && passOK
}

func (w *Web) newSession() string {
	id := uuid.NewString()
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, exp := range w.sessions {
		if now.After(exp) {
			delete(w.sessions, k)
		}
	}
	w.sessions[id] = now.Add(sessionTTL)
	return id
}

func (w *Web) handleLogin(wr http.ResponseWriter, r *http.Request) {
	if !w.enabled() {
		http.Error(wr, "WEB_USERNAME/WEB_PASSWORD not set", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.render(wr, "login.html", map[string]any{"Error": r.URL.Query().Get("error")})
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Redirect(wr, r, "/web/login?error=invalid+form", http.StatusSeeOther)
			return
		}
		if !w.checkCredentials(r.Form.Get("username"), r.Form.Get("password")) {
			log.Warn().Str("remote", r.RemoteAddr).Msg("dashboard login failed")
			http.Redirect(wr, r, "/web/login?error=invalid+credentials", http.StatusSeeOther)
			return
		}
		http.SetCookie(wr, &http.Cookie{
			Name:     sessionCookie,
			Value:    w.newSession(),
			Path:     "/web",
			MaxAge:   int(sessionTTL / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   r.TLS != nil,
		})
		http.Redirect(wr, r, "/web/dashboard", http.StatusSeeOther)
	default:
		wr.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (w *Web) handleLogout(wr http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		w.mu.Lock()
		delete(w.sessions, c.Value)
		w.mu.Unlock()
	}
	http.SetCookie(wr, &http.Cookie{Name: sessionCookie, Value: "", Path: "/web", MaxAge: -1})
	http.Redirect(wr, r, "/web/login", http.StatusSeeOther)
}

func (w *Web) handleDashboard(wr http.ResponseWriter, r *http.Request) {
	w.render(wr, "dashboard.html", map[string]any{
		"Username": w.username,
	})
}
