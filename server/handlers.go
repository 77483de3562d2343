// Package server exposes the HTTP surface: the event stream, health and
// readiness checks, metrics, the bot OAuth flow and a few admin views.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000

	// BotTokenProvider is the oauth_tokens row holding the bot user token.
	BotTokenProvider = "twitch"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TokenStore persists OAuth tokens.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (db.Token, error)
	UpsertOAuthToken(ctx context.Context, t db.Token) error
}

// ChatHistory reads recent chat log rows.
type ChatHistory interface {
	RecentChat(ctx context.Context, limit int) ([]db.ChatRow, error)
}

// Deps are the collaborators behind the routes. Nil members disable the
// routes or checks that need them.
type Deps struct {
	DB     Pinger
	Tokens TokenStore
	Chat   ChatHistory
	Events http.Handler
	OAuth  *twitchapi.OAuth
	// Status reports pipeline state for /admin/status.
	Status func(ctx context.Context) any
	// BreakerOpen reports whether the Helix circuit breaker is open.
	BreakerOpen func() bool
	// NotifyUser is the login whose lines render as notifications.
	NotifyUser string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	now        func() time.Time
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		now:        time.Now,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	// Refusing fails the flow instead of growing without bound.
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// takeOAuthState consumes state, reporting whether it was live.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !h.now().After(exp)
}
