package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/telemetry"
)

const oauthStateTTL = 10 * time.Minute

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.OAuth.ClientID == "" || h.deps.OAuth.RedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, h.now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := h.deps.OAuth.AuthorizeURL(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback handles the OAuth callback from Twitch and stores
// the bot token.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.Tokens == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.takeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"))
	grant, err := h.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		log.Error("code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	tok := db.Token{
		Provider:     BotTokenProvider,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.Expiry,
		Scope:        grant.Scope,
	}
	if err := h.deps.Tokens.UpsertOAuthToken(ctx, tok); err != nil {
		log.Error("store token failed", slog.Any("err", err))
		http.Error(w, "store token failed", http.StatusInternalServerError)
		return
	}
	log.Info("bot token stored", slog.Time("expiry", grant.Expiry))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"scopes":     strings.Fields(grant.Scope),
		"expires_in": int(time.Until(grant.Expiry).Seconds()),
	})
}
