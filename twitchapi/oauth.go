package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// OAuth drives the authorization code flow that produces the bot user token.
type OAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	// Endpoint overrides twitch.Endpoint.
	Endpoint   *oauth2.Endpoint
	HTTPClient *http.Client
}

// Grant is the result of a code exchange or refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

func (o *OAuth) config() *oauth2.Config {
	ep := twitch.Endpoint
	if o.Endpoint != nil {
		ep = *o.Endpoint
	}
	return &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		RedirectURL:  o.RedirectURI,
		Endpoint:     ep,
		Scopes:       strings.Fields(strings.ReplaceAll(o.Scopes, ",", " ")),
	}
}

func (o *OAuth) ctx(ctx context.Context) context.Context {
	if o.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	return ctx
}

// AuthorizeURL builds the user authorization URL for state.
func (o *OAuth) AuthorizeURL(state string) (string, error) {
	if o.ClientID == "" || o.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return o.config().AuthCodeURL(state), nil
}

// Exchange trades an authorization code for access and refresh tokens.
func (o *OAuth) Exchange(ctx context.Context, code string) (Grant, error) {
	if o.ClientID == "" || o.ClientSecret == "" || code == "" || o.RedirectURI == "" {
		return Grant{}, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := o.config().Exchange(o.ctx(ctx), code)
	if err != nil {
		return Grant{}, err
	}
	return grantFrom(tok), nil
}

// Refresh exchanges a refresh token for a new access token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	if o.ClientID == "" || o.ClientSecret == "" || refreshToken == "" {
		return Grant{}, errors.New("missing clientID/clientSecret/refreshToken")
	}
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
	tok, err := o.config().TokenSource(o.ctx(ctx), expired).Token()
	if err != nil {
		return Grant{}, err
	}
	g := grantFrom(tok)
	if g.RefreshToken == "" {
		g.RefreshToken = refreshToken
	}
	return g, nil
}

func grantFrom(tok *oauth2.Token) Grant {
	g := Grant{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if g.Expiry.IsZero() {
		g.Expiry = time.Now().Add(60 * time.Minute)
	}
	switch sc := tok.Extra("scope").(type) {
	case []any:
		parts := make([]string, 0, len(sc))
		for _, s := range sc {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		g.Scope = strings.Join(parts, " ")
	case string:
		g.Scope = sc
	}
	return g
}
