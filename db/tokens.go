package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Token is a stored OAuth credential.
type Token struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// UpsertOAuthToken stores or replaces the token for a provider. When the store
// has a sealer, both tokens are encrypted and encryption_version is 1.
func (s *Store) UpsertOAuthToken(ctx context.Context, t Token) error {
	encVersion := 0
	keyID := ""
	access, refresh := t.AccessToken, t.RefreshToken
	if s.sealer != nil {
		var err error
		if access, err = s.sealer.Seal(t.AccessToken, t.Provider); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.sealer.Seal(t.RefreshToken, t.Provider); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion = 1
		keyID = s.sealer.KeyID()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens
		(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			encryption_version = EXCLUDED.encryption_version,
			encryption_key_id = EXCLUDED.encryption_key_id,
			updated_at = NOW()`,
		t.Provider, access, refresh, t.Expiry, t.Scope, encVersion, keyID)
	if err != nil {
		return fmt.Errorf("upsert token %s: %w", t.Provider, err)
	}
	return nil
}

// GetOAuthToken returns the stored token for provider. A missing row returns a
// zero Token and no error.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (Token, error) {
	t := Token{Provider: provider}
	var encVersion int
	var expiry sql.NullTime
	var access, refresh, scope sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, scope,
		COALESCE(encryption_version, 0) FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&access, &refresh, &expiry, &scope, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, nil
	}
	if err != nil {
		return Token{}, fmt.Errorf("get token %s: %w", provider, err)
	}
	t.AccessToken, t.RefreshToken, t.Scope = access.String, refresh.String, scope.String
	t.Expiry = expiry.Time
	if encVersion == 1 {
		if s.sealer == nil {
			return Token{}, fmt.Errorf("token %s is encrypted but ENCRYPTION_KEY not configured", provider)
		}
		if t.AccessToken, err = s.sealer.Open(t.AccessToken, provider); err != nil {
			return Token{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if t.RefreshToken, err = s.sealer.Open(t.RefreshToken, provider); err != nil {
			return Token{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return t, nil
}

// SealPlaintextTokens re-encrypts every plaintext token row with the store's
// sealer. With dryRun it only reports the providers that would change.
func (s *Store) SealPlaintextTokens(ctx context.Context, dryRun bool) ([]string, error) {
	if s.sealer == nil {
		return nil, fmt.Errorf("no encryption key configured")
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT provider FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0 ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("list plaintext tokens: %w", err)
	}
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		providers = append(providers, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil || dryRun {
		return providers, err
	}
	for _, p := range providers {
		t, err := s.GetOAuthToken(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := s.UpsertOAuthToken(ctx, t); err != nil {
			return nil, err
		}
	}
	return providers, nil
}
