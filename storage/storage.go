// Package storage defines interfaces for persisting OAuth clients,
// authorization codes, and access tokens.
// It supports various backend implementations; an in-memory backend ships
// in the storage/memory subpackage.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers should match
// them with errors.Is since implementations may wrap them with detail.
var (
	// ErrClientNotFound is returned when no client exists for a client ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientSecretMismatch is returned when a client secret does not
	// match the stored hash.
	ErrClientSecretMismatch = errors.New("client secret mismatch")

	// ErrCodeNotFound is returned when an authorization code does not
	// exist or has expired.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeAlreadyUsed is returned when an authorization code has
	// already been consumed. Callers treat this as a reuse attack signal.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")

	// ErrTokenNotFound is returned when an access token does not exist,
	// has expired, or has been revoked.
	ErrTokenNotFound = errors.New("token not found")

	// ErrIPLimitExceeded is returned when an IP has registered too many
	// clients.
	ErrIPLimitExceeded = errors.New("client registration limit exceeded for IP")
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against its stored hash
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// CodeStore defines the interface for managing issued authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that a code exists, is
	// unexpired and unused, and marks it used. Returns the code record on
	// success, ErrCodeNotFound if missing or expired, and the code record
	// together with ErrCodeAlreadyUsed when reuse is detected so callers
	// can audit the offending client.
	// SECURITY: the check-and-mark MUST be a single critical section so
	// that concurrent exchanges of the same code have at most one winner.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for managing issued access tokens.
// Tokens are opaque strings; the store keys records by the token value.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken saves an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token record. Expired tokens are
	// treated as absent and reported as ErrTokenNotFound.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken removes an access token. Revoking a token that
	// does not exist is not an error (RFC 7009 semantics).
	RevokeAccessToken(ctx context.Context, token string) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
	RegistrationIP          string
}

// AuthorizationCode represents an issued authorization code.
// It binds the PKCE challenge captured at /oauth/authorize to the client
// context that must be presented again at /oauth/token.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AccessToken represents an issued bearer token
type AccessToken struct {
	Token     string
	ClientID  string
	Subject   string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}
