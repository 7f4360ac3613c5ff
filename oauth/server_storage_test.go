package oauth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ambientlabs/mcp-gateway/internal/testutil"
	"github.com/ambientlabs/mcp-gateway/storage"
	"github.com/ambientlabs/mcp-gateway/storage/mock"
)

// newMockedServer builds a server over mock stores so individual storage
// operations can be failed or inspected.
func newMockedServer(t *testing.T) (*Server, *mock.MockClientStore, *mock.MockCodeStore, *mock.MockTokenStore) {
	t.Helper()

	clients := mock.NewMockClientStore()
	codes := mock.NewMockCodeStore()
	tokens := mock.NewMockTokenStore()

	srv, err := NewServer(clients, codes, tokens, &ServerConfig{
		Issuer:       "https://gateway.example.com",
		SkipUserAuth: true,
	}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv, clients, codes, tokens
}

func TestRegisterClient_SaveFailure(t *testing.T) {
	srv, clients, _, _ := newMockedServer(t)
	clients.SaveClientFunc = func(_ context.Context, _ *storage.Client) error {
		return errors.New("disk full")
	}

	_, _, err := srv.RegisterClient(context.Background(), "Broken", "public",
		[]string{"https://app.example.com/cb"}, nil, "198.51.100.1")
	if err == nil {
		t.Fatal("RegisterClient() succeeded despite store failure")
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		t.Errorf("store failure leaked as OAuth error %q, want plain error", oauthErr.Code)
	}
}

func TestStartAuthorizationFlow_CodeSaveFailure(t *testing.T) {
	srv, _, codes, _ := newMockedServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	client, _, err := srv.RegisterClient(context.Background(), "App", "public",
		[]string{"https://app.example.com/cb"}, nil, "198.51.100.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	codes.SaveAuthorizationCodeFunc = func(_ context.Context, _ *storage.AuthorizationCode) error {
		return errors.New("write timeout")
	}

	_, err = srv.StartAuthorizationFlow(context.Background(), client.ClientID,
		"https://app.example.com/cb", "", challenge, "S256", "state-1")
	if err == nil {
		t.Fatal("StartAuthorizationFlow() succeeded despite store failure")
	}
}

func TestExchangeAuthorizationCode_TokenSaveFailure(t *testing.T) {
	srv, _, _, tokens := newMockedServer(t)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()

	client, _, err := srv.RegisterClient(ctx, "App", "public",
		[]string{"https://app.example.com/cb"}, nil, "198.51.100.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	code, err := srv.StartAuthorizationFlow(ctx, client.ClientID,
		"https://app.example.com/cb", "", challenge, "S256", "state-1")
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	tokens.SaveAccessTokenFunc = func(_ context.Context, _ *storage.AccessToken) error {
		return errors.New("connection reset")
	}

	_, err = srv.ExchangeAuthorizationCode(ctx, code.Code, client.ClientID,
		"https://app.example.com/cb", verifier)
	if err == nil {
		t.Fatal("ExchangeAuthorizationCode() succeeded despite store failure")
	}
	if !strings.Contains(err.Error(), "failed to save access token") {
		t.Errorf("error = %v, want token save failure", err)
	}
}

func TestExchangeAuthorizationCode_ConsumesExactlyOnce(t *testing.T) {
	srv, _, codes, _ := newMockedServer(t)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()

	client, _, err := srv.RegisterClient(ctx, "App", "public",
		[]string{"https://app.example.com/cb"}, nil, "198.51.100.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	code, err := srv.StartAuthorizationFlow(ctx, client.ClientID,
		"https://app.example.com/cb", "", challenge, "S256", "state-1")
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	codes.ResetCallCounts()

	if _, err := srv.ExchangeAuthorizationCode(ctx, code.Code, client.ClientID,
		"https://app.example.com/cb", verifier); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if got := codes.CallCounts["ConsumeAuthorizationCode"]; got != 1 {
		t.Errorf("ConsumeAuthorizationCode called %d times, want 1", got)
	}
	// The exchanged code record is deleted once consumed
	if got := codes.CallCounts["DeleteAuthorizationCode"]; got != 1 {
		t.Errorf("DeleteAuthorizationCode called %d times, want 1", got)
	}
}

func TestValidateToken_StoreFailureMapsToInvalidToken(t *testing.T) {
	srv, _, _, tokens := newMockedServer(t)
	tokens.GetAccessTokenFunc = func(_ context.Context, _ string) (*storage.AccessToken, error) {
		return nil, errors.New("backend unavailable")
	}

	_, err := srv.ValidateToken(context.Background(), "some-token")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("ValidateToken() error = %v, want *OAuthError", err)
	}
	if oauthErr.Code != ErrorCodeInvalidToken {
		t.Errorf("error code = %q, want %q", oauthErr.Code, ErrorCodeInvalidToken)
	}
}
