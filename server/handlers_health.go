package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
)

var (
	errNoDatabase  = errors.New("database not configured")
	errBreakerOpen = errors.New("circuit breaker open")
	errNoBotToken  = errors.New("missing bot OAuth token")
)

// HandleHealthz responds to liveness checks by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	if err := h.deps.DB.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness checks with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return errNoDatabase
			}
			return h.deps.DB.Ping(r.Context())
		}},
		{"circuit_breaker", func() error {
			if h.deps.BreakerOpen != nil && h.deps.BreakerOpen() {
				return errBreakerOpen
			}
			return nil
		}},
		{"credentials", func() error {
			if h.deps.Tokens == nil {
				return nil
			}
			tok, err := h.deps.Tokens.GetOAuthToken(r.Context(), BotTokenProvider)
			if err != nil {
				return err
			}
			if tok.AccessToken == "" {
				return errNoBotToken
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	// Set headers before writing status code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
