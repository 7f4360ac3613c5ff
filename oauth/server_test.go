package oauth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ambientlabs/mcp-gateway/internal/testutil"
	"github.com/ambientlabs/mcp-gateway/storage"
	"github.com/ambientlabs/mcp-gateway/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	config := &ServerConfig{
		Issuer:       "https://gateway.example.com",
		SkipUserAuth: true,
	}

	srv, err := NewServer(store, store, store, config, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	return srv, store
}

// registerTestClient registers a public client and returns it
func registerTestClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()

	client, _, err := srv.RegisterClient(context.Background(), "Test Client", "public",
		[]string{"http://127.0.0.1:8085/callback"}, []string{"tools"}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

// issueCode runs the authorization step and returns the code and PKCE verifier
func issueCode(t *testing.T, srv *Server, client *storage.Client) (*storage.AuthorizationCode, string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	code, err := srv.StartAuthorizationFlow(context.Background(), client.ClientID,
		client.RedirectURIs[0], "tools", challenge, "S256", "xyz-state")
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	return code, verifier
}

func TestNewServer(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	tests := []struct {
		name    string
		config  *ServerConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  &ServerConfig{Issuer: "https://gateway.example.com", SkipUserAuth: true},
			wantErr: false,
		},
		{
			name:    "missing issuer",
			config:  &ServerConfig{SkipUserAuth: true},
			wantErr: true,
		},
		{
			name:    "SkipUserAuth not set",
			config:  &ServerConfig{Issuer: "https://gateway.example.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(store, store, store, tt.config, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewServer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewServer_SecureDefaults(t *testing.T) {
	srv, _ := newTestServer(t)

	cfg := srv.Config()
	if cfg.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", cfg.AuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", cfg.AccessTokenTTL)
	}
	if cfg.MaxClientsPerIP != 10 {
		t.Errorf("MaxClientsPerIP = %d, want 10", cfg.MaxClientsPerIP)
	}
	if cfg.DefaultSubject != "default_user" {
		t.Errorf("DefaultSubject = %q, want %q", cfg.DefaultSubject, "default_user")
	}
}

func TestRegisterClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, "My App", "confidential",
		[]string{"https://app.example.com/callback"}, []string{"tools"}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientID == "" {
		t.Error("ClientID is empty")
	}
	if secret == "" {
		t.Error("confidential client got no secret")
	}
	if client.ClientSecretHash == secret {
		t.Error("client secret stored in plaintext")
	}
	if client.TokenEndpointAuthMethod != "client_secret_basic" {
		t.Errorf("TokenEndpointAuthMethod = %q, want client_secret_basic", client.TokenEndpointAuthMethod)
	}

	// Stored hash must verify against the returned secret
	if err := srv.ValidateClientCredentials(ctx, client.ClientID, secret); err != nil {
		t.Errorf("ValidateClientCredentials() error = %v", err)
	}
	if err := srv.ValidateClientCredentials(ctx, client.ClientID, "wrong-secret"); err == nil {
		t.Error("ValidateClientCredentials() accepted a wrong secret")
	}
}

func TestRegisterClient_PublicClient(t *testing.T) {
	srv, _ := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), "CLI", "public",
		[]string{"http://127.0.0.1:8085/callback"}, nil, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if secret != "" {
		t.Error("public client got a secret")
	}
	if client.TokenEndpointAuthMethod != "none" {
		t.Errorf("TokenEndpointAuthMethod = %q, want none", client.TokenEndpointAuthMethod)
	}
}

func TestRegisterClient_UniqueClientIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		client, _, err := srv.RegisterClient(ctx, "App", "public",
			[]string{"http://localhost/callback"}, nil, "192.0.2.1")
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}
		if seen[client.ClientID] {
			t.Fatalf("duplicate client_id %q", client.ClientID)
		}
		seen[client.ClientID] = true
	}
}

func TestRegisterClient_InvalidRedirectURI(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		uri  string
	}{
		{"javascript scheme", "javascript:alert(1)"},
		{"data scheme", "data:text/html,<script>"},
		{"file scheme", "file:///etc/passwd"},
		{"fragment", "https://app.example.com/callback#frag"},
		{"plain http non-loopback with https issuer", "http://app.example.com/callback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.RegisterClient(ctx, "App", "public", []string{tt.uri}, nil, "192.0.2.1")
			if err == nil {
				t.Errorf("RegisterClient() accepted redirect URI %q", tt.uri)
			}
		})
	}
}

func TestRegisterClient_LoopbackHTTPAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	// RFC 8252: native apps use plain http loopback redirects
	for _, uri := range []string{"http://localhost:8085/callback", "http://127.0.0.1:9000/cb", "http://[::1]:7000/cb"} {
		if _, _, err := srv.RegisterClient(context.Background(), "Native", "public", []string{uri}, nil, "192.0.2.1"); err != nil {
			t.Errorf("RegisterClient(%q) error = %v", uri, err)
		}
	}
}

func TestRegisterClient_IPLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, _, err := srv.RegisterClient(ctx, "App", "public",
			[]string{"http://localhost/callback"}, nil, "203.0.113.7"); err != nil {
			t.Fatalf("RegisterClient() #%d error = %v", i, err)
		}
	}

	_, _, err := srv.RegisterClient(ctx, "App", "public",
		[]string{"http://localhost/callback"}, nil, "203.0.113.7")
	if err != storage.ErrIPLimitExceeded {
		t.Errorf("RegisterClient() error = %v, want ErrIPLimitExceeded", err)
	}

	// A different IP is unaffected
	if _, _, err := srv.RegisterClient(ctx, "App", "public",
		[]string{"http://localhost/callback"}, nil, "203.0.113.8"); err != nil {
		t.Errorf("RegisterClient() from other IP error = %v", err)
	}
}

func TestStartAuthorizationFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	challenge, _ := testutil.GeneratePKCEPair()

	code, err := srv.StartAuthorizationFlow(ctx, client.ClientID, client.RedirectURIs[0],
		"tools", challenge, "S256", "state-123")
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	if code.Code == "" {
		t.Error("code value is empty")
	}
	if code.ClientID != client.ClientID {
		t.Errorf("code.ClientID = %q, want %q", code.ClientID, client.ClientID)
	}
	if code.Subject != "default_user" {
		t.Errorf("code.Subject = %q, want default_user", code.Subject)
	}
	if code.CodeChallenge != challenge {
		t.Error("code challenge not bound to code")
	}
	if !code.ExpiresAt.After(time.Now()) {
		t.Error("issued code already expired")
	}
}

func TestStartAuthorizationFlow_Validation(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	challenge, _ := testutil.GeneratePKCEPair()
	redirectURI := client.RedirectURIs[0]

	tests := []struct {
		name      string
		clientID  string
		redirect  string
		challenge string
		method    string
		state     string
		wantCode  string
	}{
		{"missing state", client.ClientID, redirectURI, challenge, "S256", "", ErrorCodeInvalidRequest},
		{"missing challenge", client.ClientID, redirectURI, "", "S256", "st", ErrorCodeInvalidRequest},
		{"plain method", client.ClientID, redirectURI, challenge, "plain", "st", ErrorCodeInvalidRequest},
		{"unknown client", "no-such-client", redirectURI, challenge, "S256", "st", ErrorCodeInvalidClient},
		{"unregistered redirect", client.ClientID, "https://evil.example.com/cb", challenge, "S256", "st", ErrorCodeInvalidRedirectURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.StartAuthorizationFlow(ctx, tt.clientID, tt.redirect, "tools", tt.challenge, tt.method, tt.state)
			if err == nil {
				t.Fatal("StartAuthorizationFlow() succeeded, want error")
			}
			oauthErr, ok := err.(*OAuthError)
			if !ok {
				t.Fatalf("error type = %T, want *OAuthError", err)
			}
			if oauthErr.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", oauthErr.Code, tt.wantCode)
			}
		})
	}
}

func TestStartAuthorizationFlow_DefaultsToS256(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)

	challenge, _ := testutil.GeneratePKCEPair()
	code, err := srv.StartAuthorizationFlow(context.Background(), client.ClientID,
		client.RedirectURIs[0], "", challenge, "", "st")
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	if code.CodeChallengeMethod != "S256" {
		t.Errorf("CodeChallengeMethod = %q, want S256", code.CodeChallengeMethod)
	}
}

func TestStartAuthorizationFlow_UnsupportedScope(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := NewServer(store, store, store, &ServerConfig{
		Issuer:          "https://gateway.example.com",
		SkipUserAuth:    true,
		SupportedScopes: []string{"tools"},
	}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	_, err = srv.StartAuthorizationFlow(context.Background(), client.ClientID,
		client.RedirectURIs[0], "admin", challenge, "S256", "st")
	if err == nil {
		t.Fatal("StartAuthorizationFlow() accepted unsupported scope")
	}
	if oauthErr, ok := err.(*OAuthError); !ok || oauthErr.Code != ErrorCodeInvalidScope {
		t.Errorf("error = %v, want invalid_scope", err)
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)
	ctx := context.Background()

	token, err := srv.ExchangeAuthorizationCode(ctx, code.Code, client.ClientID, code.RedirectURI, verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if token.AccessToken == "" {
		t.Error("access token is empty")
	}
	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", token.TokenType)
	}
	if token.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", token.ExpiresIn)
	}
	if token.Scope != "tools" {
		t.Errorf("Scope = %q, want tools", token.Scope)
	}

	// The token must validate and carry the code's subject
	record, err := srv.ValidateToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if record.Subject != "default_user" {
		t.Errorf("token subject = %q, want default_user", record.Subject)
	}
}

func TestExchangeAuthorizationCode_WrongVerifier(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, _ := issueCode(t, srv, client)

	_, wrongVerifier := testutil.GeneratePKCEPair()
	_, err := srv.ExchangeAuthorizationCode(context.Background(), code.Code, client.ClientID, code.RedirectURI, wrongVerifier)
	if err == nil {
		t.Fatal("ExchangeAuthorizationCode() accepted a wrong verifier")
	}
	if oauthErr, ok := err.(*OAuthError); !ok || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

func TestExchangeAuthorizationCode_DoubleExchange(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)
	ctx := context.Background()

	first, err := srv.ExchangeAuthorizationCode(ctx, code.Code, client.ClientID, code.RedirectURI, verifier)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	// Second exchange of the same code must fail even with correct PKCE
	_, err = srv.ExchangeAuthorizationCode(ctx, code.Code, client.ClientID, code.RedirectURI, verifier)
	if err == nil {
		t.Fatal("second exchange of the same code succeeded")
	}
	if oauthErr, ok := err.(*OAuthError); !ok || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("second exchange error = %v, want invalid_grant", err)
	}

	// The first token stays valid: reuse burns the code, not issued tokens
	if _, err := srv.ValidateToken(ctx, first.AccessToken); err != nil {
		t.Errorf("first token invalidated after reuse attempt: %v", err)
	}
}

func TestExchangeAuthorizationCode_Concurrent(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeAuthorizationCode(ctx, code.Code, client.ClientID, code.RedirectURI, verifier)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("concurrent exchanges: %d succeeded, want exactly 1", successes)
	}
}

func TestExchangeAuthorizationCode_ClientMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	other := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code.Code, other.ClientID, code.RedirectURI, verifier)
	if err == nil {
		t.Fatal("exchange by a different client succeeded")
	}

	// The failed attempt burns the code for the legitimate client too
	_, err = srv.ExchangeAuthorizationCode(context.Background(), code.Code, client.ClientID, code.RedirectURI, verifier)
	if err == nil {
		t.Error("code still usable after a mismatched exchange attempt")
	}
}

func TestExchangeAuthorizationCode_RedirectMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code.Code, client.ClientID, "https://evil.example.com/cb", verifier)
	if err == nil {
		t.Fatal("exchange with a different redirect_uri succeeded")
	}
}

func TestExchangeAuthorizationCode_ExpiredCode(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := NewServer(store, store, store, &ServerConfig{
		Issuer:       "https://gateway.example.com",
		SkipUserAuth: true,
	}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	client := registerTestClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()

	// Persist an already expired code directly
	expired := &storage.AuthorizationCode{
		Code:                "expired-code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Subject:             "default_user",
		CreatedAt:           time.Now().Add(-20 * time.Minute),
		ExpiresAt:           time.Now().Add(-10 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(context.Background(), expired); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err = srv.ExchangeAuthorizationCode(context.Background(), expired.Code, client.ClientID, expired.RedirectURI, verifier)
	if err == nil {
		t.Fatal("exchange of an expired code succeeded")
	}
	if oauthErr, ok := err.(*OAuthError); !ok || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

func TestExchangeAuthorizationCode_UnknownCode(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)

	_, verifier := testutil.GeneratePKCEPair()
	_, err := srv.ExchangeAuthorizationCode(context.Background(), "no-such-code", client.ClientID,
		client.RedirectURIs[0], verifier)
	if err == nil {
		t.Fatal("exchange of an unknown code succeeded")
	}
}

func TestValidateToken_Unknown(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.ValidateToken(context.Background(), "no-such-token")
	if err == nil {
		t.Fatal("ValidateToken() accepted an unknown token")
	}
	if oauthErr, ok := err.(*OAuthError); !ok || oauthErr.Code != ErrorCodeInvalidToken {
		t.Errorf("error = %v, want invalid_token", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	srv, store := newTestServer(t)

	record := testutil.GenerateTestAccessToken()
	record.ExpiresAt = time.Now().Add(-time.Hour)
	if err := store.SaveAccessToken(context.Background(), record); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	if _, err := srv.ValidateToken(context.Background(), record.Token); err == nil {
		t.Error("ValidateToken() accepted an expired token")
	}
}

func TestRevokeToken(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)
	ctx := context.Background()

	token, err := srv.ExchangeAuthorizationCode(ctx, code.Code, client.ClientID, code.RedirectURI, verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if err := srv.RevokeToken(ctx, token.AccessToken, client.ClientID, "192.0.2.1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	if _, err := srv.ValidateToken(ctx, token.AccessToken); err == nil {
		t.Error("revoked token still validates")
	}
}

func TestRevokeToken_UnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)

	// RFC 7009: revoking an unknown token is not an error
	if err := srv.RevokeToken(context.Background(), "no-such-token", "some-client", "192.0.2.1"); err != nil {
		t.Errorf("RevokeToken() error = %v, want nil", err)
	}
}

func TestValidatePKCE(t *testing.T) {
	srv, _ := newTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid S256 pair", challenge, "S256", verifier, false},
		{"empty verifier", challenge, "S256", "", true},
		{"verifier too short", challenge, "S256", strings.Repeat("a", 42), true},
		{"verifier too long", challenge, "S256", strings.Repeat("a", 129), true},
		{"verifier invalid characters", challenge, "S256", strings.Repeat("a", 42) + "!", true},
		{"plain method rejected", challenge, "plain", verifier, true},
		{"mismatched verifier", challenge, "S256", strings.Repeat("b", 43), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURISecurity(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		issuer  string
		wantErr bool
	}{
		{"https allowed", "https://app.example.com/cb", "https://gateway.example.com", false},
		{"loopback http allowed", "http://127.0.0.1:8085/cb", "https://gateway.example.com", false},
		{"localhost http allowed", "http://localhost:3000/cb", "https://gateway.example.com", false},
		{"custom scheme allowed", "myapp://callback", "https://gateway.example.com", false},
		{"non-loopback http rejected", "http://app.example.com/cb", "https://gateway.example.com", true},
		{"non-loopback http ok for http issuer", "http://app.example.com/cb", "http://localhost:8080", false},
		{"fragment rejected", "https://app.example.com/cb#x", "https://gateway.example.com", true},
		{"javascript rejected", "javascript:alert(1)", "https://gateway.example.com", true},
		{"data rejected", "data:text/html,x", "https://gateway.example.com", true},
		{"cloud metadata rejected", "https://169.254.169.254/latest/meta-data", "https://gateway.example.com", true},
		{"link-local IPv6 rejected", "https://[fe80::1]/cb", "https://gateway.example.com", true},
		{"unspecified address rejected", "https://0.0.0.0/cb", "https://gateway.example.com", true},
		{"private IP https allowed", "https://192.168.1.20/cb", "https://gateway.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURISecurity(tt.uri, tt.issuer)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURISecurity(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}
