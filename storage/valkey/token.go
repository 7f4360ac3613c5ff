package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ambientlabs/mcp-gateway/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// accessTokenJSON is the serialized form of an access token record.
// The token value itself is the key, not part of the stored payload, so a
// leaked dump of values alone cannot be replayed.
type accessTokenJSON struct {
	ClientID  string `json:"client_id"`
	Subject   string `json:"subject"`
	Scope     string `json:"scope,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		ClientID:  t.ClientID,
		Subject:   t.Subject,
		Scope:     t.Scope,
		CreatedAt: t.CreatedAt.Unix(),
		ExpiresAt: t.ExpiresAt.Unix(),
	}
}

func fromAccessTokenJSON(token string, j *accessTokenJSON) *storage.AccessToken {
	return &storage.AccessToken{
		Token:     token,
		ClientID:  j.ClientID,
		Subject:   j.Subject,
		Scope:     j.Scope,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// SaveAccessToken saves an issued access token with a TTL matching its expiry
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	// Token records are encrypted at rest when an encryption key is
	// configured
	payload, err := s.encryptor.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	key := s.tokenKey(token.Token)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(payload).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"client_id", token.ClientID,
		"token_prefix", safeTruncate(token.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves an access token record.
// Expired tokens are treated as absent.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	key := s.tokenKey(token)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	plaintext, err := s.encryptor.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(plaintext), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	record := fromAccessTokenJSON(token, &j)

	// TTL should handle expiry, but double-check
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrTokenNotFound
	}

	return record, nil
}

// RevokeAccessToken removes an access token.
// Revoking a token that does not exist is not an error (RFC 7009 semantics).
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	key := s.tokenKey(token)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	s.logger.Debug("Revoked access token",
		"token_prefix", safeTruncate(token, tokenIDLogLength))
	return nil
}
