package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// This token cannot be used for chat or EventSub websocket subscriptions; those
// need the bot user token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch token endpoint.
	TokenURL   string
	HTTPClient *http.Client

	once sync.Once
	ts   oauth2.TokenSource
}

// Get returns a valid (fresh or cached) app access token.
func (s *TokenSource) Get(ctx context.Context) (string, error) {
	if s.ClientID == "" || s.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	s.once.Do(func() {
		tokenURL := s.TokenURL
		if tokenURL == "" {
			tokenURL = twitch.Endpoint.TokenURL
		}
		cc := &clientcredentials.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		base := context.Background()
		if s.HTTPClient != nil {
			base = context.WithValue(base, oauth2.HTTPClient, s.HTTPClient)
		}
		s.ts = cc.TokenSource(base)
	})
	tok, err := s.ts.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	return tok.AccessToken, nil
}
