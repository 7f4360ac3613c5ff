package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ambientlabs/mcp-gateway/storage/memory"
)

// newConfiguredGateway builds a gateway handler from an explicit Config.
// The upstream defaults to a closed port when the config leaves it empty.
func newConfiguredGateway(t *testing.T, cfg *Config) http.Handler {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := NewServer(store, store, store, &ServerConfig{
		Issuer:          "https://gateway.example.com",
		SkipUserAuth:    true,
		SupportedScopes: []string{"tools", "insights"},
	}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = "http://127.0.0.1:1"
	}
	h, err := NewHandler(srv, cfg)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h.Routes()
}

func fetchProtectedResourceMetadata(t *testing.T, routes http.Handler) *ProtectedResourceMetadata {
	t.Helper()

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metadata status = %d", w.Code)
	}

	var metadata ProtectedResourceMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &metadata); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	return &metadata
}

func TestNewHandler_RequiresConfig(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := NewServer(store, store, store, &ServerConfig{
		Issuer:       "https://gateway.example.com",
		SkipUserAuth: true,
	}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	if _, err := NewHandler(srv, nil); err == nil {
		t.Error("NewHandler(nil config) should fail")
	}
	if _, err := NewHandler(srv, &Config{}); err == nil {
		t.Error("NewHandler without an upstream URL should fail")
	}
	if _, err := NewHandler(srv, &Config{UpstreamURL: "ftp://host"}); err == nil {
		t.Error("NewHandler with a non-HTTP upstream should fail")
	}
}

func TestNewHandler_DefaultsFromServer(t *testing.T) {
	routes := newConfiguredGateway(t, &Config{})

	metadata := fetchProtectedResourceMetadata(t, routes)
	if metadata.Resource != "https://gateway.example.com" {
		t.Errorf("resource = %q, want the server issuer", metadata.Resource)
	}
	if len(metadata.ScopesSupported) != 2 {
		t.Errorf("scopes_supported = %v, want the server scopes", metadata.ScopesSupported)
	}
}

func TestNewHandler_ResourceAndScopeOverrides(t *testing.T) {
	routes := newConfiguredGateway(t, &Config{
		// The trailing slash must not survive into the advertised identifier
		Resource:        "https://api.example.com/",
		SupportedScopes: []string{"insights"},
	})

	metadata := fetchProtectedResourceMetadata(t, routes)
	if metadata.Resource != "https://api.example.com" {
		t.Errorf("resource = %q, want normalized override", metadata.Resource)
	}
	if len(metadata.ScopesSupported) != 1 || metadata.ScopesSupported[0] != "insights" {
		t.Errorf("scopes_supported = %v, want [insights]", metadata.ScopesSupported)
	}

	// The authorization server metadata advertises the same scopes
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("authorization server metadata status = %d", w.Code)
	}
	var asMetadata AuthorizationServerMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &asMetadata); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if len(asMetadata.ScopesSupported) != 1 || asMetadata.ScopesSupported[0] != "insights" {
		t.Errorf("scopes_supported = %v, want [insights]", asMetadata.ScopesSupported)
	}
}

func TestNewHandler_RateLimitInstalled(t *testing.T) {
	routes := newConfiguredGateway(t, &Config{
		RateLimit: RateLimitConfig{Rate: 1, Burst: 1},
	})

	first := httptest.NewRecorder()
	routes.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}

	// The burst is spent, so an immediate second request from the same IP
	// is rejected
	second := httptest.NewRecorder()
	routes.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("429 response carries no Retry-After header")
	}
}

func TestNewHandler_RateLimitDisabledByDefault(t *testing.T) {
	routes := newConfiguredGateway(t, &Config{})

	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 with limiting disabled", i, w.Code)
		}
	}
}
