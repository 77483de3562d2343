// Package oauth keeps the bot user token fresh. The token lives in the
// oauth_tokens table; a Refresher checks it on a jittered interval and
// refreshes it when expiry falls within a configured window. The same
// Refresher hands the current access token to chat and Helix callers.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/onnwee/chatrelay/db"
)

// ErrNoToken is returned when no usable token is stored.
var ErrNoToken = errors.New("oauth: no token stored")

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Token, error)

// TokenStore persists tokens.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (db.Token, error)
	UpsertOAuthToken(ctx context.Context, t db.Token) error
}

// Refresher refreshes one provider's token.
type Refresher struct {
	Store    TokenStore
	Provider string
	Refresh  RefreshFunc
	// Interval is how often to check. Zero means 5 minutes.
	Interval time.Duration
	// Window triggers a refresh when the remaining lifetime is at most Window.
	// Zero means 15 minutes.
	Window time.Duration

	mu sync.Mutex
}

func (r *Refresher) defaults() (time.Duration, time.Duration) {
	interval, window := r.Interval, r.Window
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return interval, window
}

// Serve runs the periodic check until ctx ends.
func (r *Refresher) Serve(ctx context.Context) error {
	interval, window := r.defaults()
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(initialJitter):
	}
	for {
		if _, err := r.refreshIfDue(ctx, window); err != nil && !errors.Is(err, ErrNoToken) {
			slog.Warn("token refresh failed", slog.String("provider", r.Provider), slog.Any("err", err))
		}
		// Per-iteration jitter of +/-20% of interval.
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval + jitter):
		}
	}
}

// Token returns a usable access token, refreshing first when it is about to expire.
func (r *Refresher) Token(ctx context.Context) (string, error) {
	t, err := r.refreshIfDue(ctx, time.Minute)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// Get implements the Helix token getter.
func (r *Refresher) Get(ctx context.Context) (string, error) { return r.Token(ctx) }

// refreshIfDue returns the stored token, refreshed when it expires within window.
func (r *Refresher) refreshIfDue(ctx context.Context, window time.Duration) (db.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		return db.Token{}, err
	}
	if t.AccessToken == "" {
		return db.Token{}, ErrNoToken
	}
	if t.Expiry.IsZero() || time.Until(t.Expiry) > window || t.RefreshToken == "" || r.Refresh == nil {
		return t, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	next, err := r.Refresh(ctx2, t.RefreshToken)
	if err != nil {
		if time.Now().Before(t.Expiry) {
			slog.Warn("token refresh failed, using current token", slog.String("provider", r.Provider), slog.Any("err", err))
			return t, nil
		}
		return db.Token{}, fmt.Errorf("refresh %s: %w", r.Provider, err)
	}
	next.Provider = r.Provider
	if next.RefreshToken == "" {
		next.RefreshToken = t.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = t.Scope
	}
	if err := r.Store.UpsertOAuthToken(ctx, next); err != nil {
		return db.Token{}, fmt.Errorf("persist %s: %w", r.Provider, err)
	}
	slog.Info("token refreshed", slog.String("provider", r.Provider))
	return next, nil
}
