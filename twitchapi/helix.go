package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// User is the subset of a Helix user the bot reads.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

const userCacheTTL = 30 * time.Minute

// GetUser resolves a login name. Results are cached for a while since avatars
// and ids rarely change.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	hc.mu.Lock()
	if c, ok := hc.users[login]; ok && time.Now().Before(c.expires) {
		hc.mu.Unlock()
		return c.user, nil
	}
	hc.mu.Unlock()

	var body struct {
		Data []User `json:"data"`
	}
	err := hc.do(ctx, request{
		endpoint: "users",
		method:   http.MethodGet,
		path:     "/users",
		query:    url.Values{"login": {login}},
	}, &body)
	if err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user %q: %w", login, ErrNotFound)
	}
	hc.mu.Lock()
	hc.users[login] = cachedUser{user: body.Data[0], expires: time.Now().Add(userCacheTTL)}
	hc.mu.Unlock()
	return body.Data[0], nil
}

// Avatar returns the profile image URL for login, or "" on any failure.
func (hc *HelixClient) Avatar(ctx context.Context, login string) string {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return ""
	}
	return u.ProfileImageURL
}

// CreateEventSubSubscription registers a websocket-transport subscription and
// returns its id.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, typ, version string, condition map[string]string, sessionID string) (string, error) {
	reqBody := map[string]any{
		"type":      typ,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	var body struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	err := hc.do(ctx, request{
		endpoint: "eventsub_subscriptions",
		method:   http.MethodPost,
		path:     "/eventsub/subscriptions",
		body:     reqBody,
		user:     true,
	}, &body)
	if err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("eventsub %s: empty response", typ)
	}
	return body.Data[0].ID, nil
}

// SendWhisper sends a private message from the bot user.
func (hc *HelixClient) SendWhisper(ctx context.Context, fromID, toID, message string) error {
	return hc.do(ctx, request{
		endpoint: "whispers",
		method:   http.MethodPost,
		path:     "/whispers",
		query:    url.Values{"from_user_id": {fromID}, "to_user_id": {toID}},
		body:     map[string]string{"message": message},
		user:     true,
	}, nil)
}

// BanUser times out userID for duration, or bans permanently when duration is zero.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, moderatorID, userID string, duration time.Duration, reason string) error {
	data := map[string]any{"user_id": userID, "reason": reason}
	if duration > 0 {
		secs := int(duration / time.Second)
		if secs < 1 {
			secs = 1
		}
		data["duration"] = secs
	}
	return hc.do(ctx, request{
		endpoint: "moderation_bans",
		method:   http.MethodPost,
		path:     "/moderation/bans",
		query:    url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}},
		body:     map[string]any{"data": data},
		user:     true,
	}, nil)
}

// DeleteChatMessage removes a single chat message by id.
func (hc *HelixClient) DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	return hc.do(ctx, request{
		endpoint: "moderation_chat",
		method:   http.MethodDelete,
		path:     "/moderation/chat",
		query:    url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "message_id": {messageID}},
		user:     true,
	}, nil)
}
