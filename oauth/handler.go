package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ambientlabs/mcp-gateway/instrumentation"
	"github.com/ambientlabs/mcp-gateway/internal/util"
	"github.com/ambientlabs/mcp-gateway/security"
	"github.com/ambientlabs/mcp-gateway/storage"
)

const (
	tokenTypeBearer = "Bearer"

	// PKCEMethodS256 is the only supported PKCE challenge method (OAuth 2.1)
	PKCEMethodS256 = "S256"

	// ClientTypePublic identifies clients that cannot keep a secret (SPA, CLI)
	ClientTypePublic = "public"
	// ClientTypeConfidential identifies clients that authenticate with a secret
	ClientTypeConfidential = "confidential"
)

// SupportedTokenAuthMethods lists the client authentication methods accepted
// at the token endpoint
var SupportedTokenAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// Handler exposes the OAuth endpoints and the authenticated relay over HTTP
type Handler struct {
	server    *Server
	forwarder *Forwarder
	resource  string
	scopes    []string
	logger    *slog.Logger
	tracer    trace.Tracer

	registrationLimiter *security.RegistrationLimiter
}

// NewHandler creates the gateway's HTTP handler from its configuration.
// The relay to cfg.UpstreamURL is built internally, and the per-IP rate
// limiter and audit logger are installed on the server when cfg enables them
// and the server does not already carry its own.
func NewHandler(server *Server, cfg *Config) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	forwarder, err := NewForwarder(cfg.UpstreamURL, cfg.HTTPClient, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", cfg.UpstreamURL, err)
	}
	forwarder.SetProxyTrust(server.config.TrustProxy, server.config.TrustedProxyCount)

	if server.auditor == nil {
		server.SetAuditor(security.NewAuditor(logger, cfg.Security.EnableAuditLogging))
	}
	if server.rateLimiter == nil && cfg.RateLimit.Rate > 0 {
		server.SetRateLimiter(security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger))
	}
	forwarder.SetAuditor(server.auditor)
	if server.instrumentation != nil {
		forwarder.SetInstrumentation(server.instrumentation)
	}

	resource := util.NormalizeURL(cfg.Resource)
	if resource == "" {
		resource = server.config.Issuer
	}
	scopes := cfg.SupportedScopes
	if scopes == nil {
		scopes = server.config.SupportedScopes
	}

	h := &Handler{
		server:              server,
		forwarder:           forwarder,
		resource:            resource,
		scopes:              scopes,
		logger:              logger,
		registrationLimiter: security.NewRegistrationLimiter(logger),
	}

	if server.instrumentation != nil {
		h.tracer = server.instrumentation.Tracer("http")
	}

	return h, nil
}

// Routes returns the gateway's HTTP handler: discovery, registration,
// authorization, token, and revocation endpoints, with every remaining path
// relayed to the backend behind bearer authentication.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", h.ServeOpenIDConfiguration)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ServeProtectedResourceMetadata)
	mux.HandleFunc("/register", h.ServeClientRegistration)
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorization)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeTokenRevocation)

	// Everything else is relayed to the backend tool service. Some MCP
	// clients POST token requests to the root path, so sniff those first.
	proxy := h.ValidateToken(h.forwarder)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && h.isTokenRequest(r) {
			h.ServeToken(w, r)
			return
		}
		proxy.ServeHTTP(w, r)
	})

	return security.RequestIDMiddleware(mux)
}

// maxTokenSniffBytes caps how much of a root-path POST body is buffered when
// sniffing for a token request. Token requests are small; anything larger is
// relayed untouched.
const maxTokenSniffBytes = 64 << 10

// isTokenRequest reports whether a root-path POST carries an OAuth token
// request in its form body. The body is sniffed from a buffered copy and
// restored, so the token handler or the relay sees it intact either way.
func (h *Handler) isTokenRequest(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return false
	}
	if r.Body == nil {
		return false
	}

	rest := r.Body
	buffered, err := io.ReadAll(io.LimitReader(rest, maxTokenSniffBytes+1))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buffered), rest))
	if err != nil || len(buffered) > maxTokenSniffBytes {
		return false
	}

	values, err := url.ParseQuery(string(buffered))
	if err != nil {
		return false
	}
	return values.Get("grant_type") != ""
}

// clientIP extracts the request's client IP honoring the proxy configuration
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.TrustProxy, h.server.config.TrustedProxyCount)
}

// checkIPRateLimit enforces the per-IP rate limit.
// Returns true if the limit was exceeded and a response was written.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.rateLimiter == nil || h.server.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)

	if h.server.instrumentation != nil {
		h.server.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.auditor != nil {
		h.server.auditor.LogRateLimitExceeded(clientIP, "")
	}

	w.Header().Set("Retry-After", "60")
	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// checkClientRegistrationRateLimit enforces the registration-specific window
// limit. Returns true if the limit was exceeded and a response was written.
func (h *Handler) checkClientRegistrationRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.registrationLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)

	if h.server.instrumentation != nil {
		h.server.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "client_registration")
	}
	if h.server.auditor != nil {
		h.server.auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRateLimitExceeded,
			IPAddress: clientIP,
		})
	}

	w.Header().Set("Retry-After", "3600")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many client registrations from this address", http.StatusTooManyRequests)
	return true
}

// ==================== Discovery ====================

// ServeAuthorizationServerMetadata handles RFC 8414 discovery requests
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	metadata := h.buildAuthServerMetadata()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeOpenIDConfiguration serves OpenID Connect Discovery 1.0 requests.
// Per RFC 8414 Section 5 it returns the same document as the authorization
// server metadata endpoint.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata
func (h *Handler) buildAuthServerMetadata() *AuthorizationServerMetadata {
	issuer := h.server.config.Issuer
	return &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		ScopesSupported:                   h.scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
	}
}

// ServeProtectedResourceMetadata handles RFC 9728 protected resource metadata
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	metadata := &ProtectedResourceMetadata{
		Resource:               h.resource,
		AuthorizationServers:   []string{h.server.config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.scopes,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ==================== Authorization ====================

// ServeAuthorization handles OAuth authorization requests. There is no
// interactive consent step: valid requests are approved immediately and the
// client is redirected back with an authorization code.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	scope := q.Get("scope")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrResponseType, responseType),
	)

	if responseType != "code" {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeError(w, ErrorCodeInvalidRequest, fmt.Sprintf("response_type %q is not supported (only \"code\")", responseType), http.StatusBadRequest)
		return
	}
	if clientID == "" || redirectURI == "" {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "missing required parameters")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}

	code, err := h.server.StartAuthorizationFlow(ctx, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, state)
	if err != nil {
		h.logger.Warn("Authorization request rejected", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		if oauthErr, ok := err.(*OAuthError); ok {
			h.recordHTTPMetrics("authorize", r.Method, oauthErr.Status, startTime)
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		} else {
			h.recordHTTPMetrics("authorize", r.Method, http.StatusInternalServerError, startTime)
			h.writeError(w, ErrorCodeServerError, "Failed to process authorization request", http.StatusInternalServerError)
		}
		return
	}

	// Redirect back to the client with the code. The state parameter is
	// echoed back verbatim for CSRF validation on the client side.
	location, err := url.Parse(redirectURI)
	if err != nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	params := location.Query()
	params.Set("code", code.Code)
	params.Set("state", state)
	location.RawQuery = params.Encode()

	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	http.Redirect(w, r, location.String(), http.StatusFound)
}

// ==================== Token ====================

// tokenRequest carries the parameters of a token endpoint request,
// regardless of whether they arrived as form fields or JSON
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
}

// parseTokenRequest accepts both form-encoded and JSON token requests.
// The OAuth spec only requires form encoding but several MCP clients send JSON.
func (h *Handler) parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}
	return &tokenRequest{
		GrantType:    r.FormValue("grant_type"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		CodeVerifier: r.FormValue("code_verifier"),
	}, nil
}

// ServeToken handles OAuth token requests
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	req, err := h.parseTokenRequest(r)
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	switch req.GrantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, req)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", req.GrantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, req *tokenRequest) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if req.Code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	// Authenticate client
	client, err := h.authenticateClient(r, req)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		if oauthErr, ok := err.(*OAuthError); ok {
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		} else {
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		}
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	tokenResponse, err := h.server.ExchangeAuthorizationCode(ctx, req.Code, client.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		h.logger.Warn("Failed to exchange authorization code", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		// SECURITY: Don't leak internal error details to the client.
		// Audit logging happens in ExchangeAuthorizationCode.
		if oauthErr, ok := err.(*OAuthError); ok {
			h.recordHTTPMetrics("token", http.MethodPost, oauthErr.Status, startTime)
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		} else {
			h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
			h.writeError(w, ErrorCodeInvalidGrant, "Authorization code is invalid or expired", http.StatusBadRequest)
		}
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, tokenResponse)
}

// ==================== Revocation ====================

// ServeTokenRevocation handles RFC 7009 token revocation requests
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := h.clientIP(r)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	clientID := r.FormValue("client_id")

	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	// Authenticate the client when credentials are provided
	if authClientID, authClientSecret := h.parseBasicAuth(r); authClientID != "" {
		clientID = authClientID
		if err := h.server.ValidateClientCredentials(ctx, clientID, authClientSecret); err != nil {
			h.logAuthFailure(clientID, clientIP, "revocation_auth_failed", "Client authentication failed for revocation")
			h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusUnauthorized, startTime)
			instrumentation.RecordError(span, err)
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return
		}
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	// Per RFC 7009 the request succeeds even when the token is unknown
	if err := h.server.RevokeToken(ctx, token, clientID, clientIP); err != nil {
		h.logger.Error("Failed to revoke token", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
	}

	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ==================== Registration ====================

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := h.clientIP(r)

	if h.checkClientRegistrationRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}

	if len(req.RedirectURIs) == 0 {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "redirect_uris missing")
		h.writeError(w, ErrorCodeInvalidRedirectURI, "redirect_uris is required", http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, req.ClientName, req.ClientType, req.RedirectURIs, strings.Fields(req.Scope), clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		if err == storage.ErrIPLimitExceeded {
			if h.server.auditor != nil {
				h.server.auditor.LogEvent(security.Event{
					Type:      security.EventClientRegistrationRejected,
					IPAddress: clientIP,
					Details:   map[string]any{"reason": "ip_limit_exceeded"},
				})
			}
			h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
			h.writeError(w, ErrorCodeRateLimitExceeded, "Too many clients registered from this address", http.StatusTooManyRequests)
			return
		}
		if oauthErr, ok := err.(*OAuthError); ok {
			h.recordHTTPMetrics("register", http.MethodPost, oauthErr.Status, startTime)
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
			return
		}
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Failed to register client", http.StatusInternalServerError)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeRegistrationResponse(w, client, clientSecret)
}

func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	response := &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.ClientType,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// ==================== Bearer authentication ====================

type contextKey string

const accessTokenKey contextKey = "access_token_record"

// TokenFromContext retrieves the validated access token record from the context
func TokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	record, ok := ctx.Value(accessTokenKey).(*storage.AccessToken)
	return record, ok
}

// ContextWithToken stores a validated access token record in the context
func ContextWithToken(ctx context.Context, record *storage.AccessToken) context.Context {
	return context.WithValue(ctx, accessTokenKey, record)
}

// ValidateToken is middleware that gates the relay behind bearer
// authentication. Requests without a valid token are rejected with 401 and
// never reach the backend.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		token, ok := h.extractBearerToken(w, r)
		if !ok {
			if h.server.auditor != nil {
				h.server.auditor.LogProxyAuthRejected(clientIP, "missing_bearer_token")
			}
			return
		}

		record, err := h.server.ValidateToken(r.Context(), token)
		if err != nil {
			if h.server.auditor != nil {
				h.server.auditor.LogProxyAuthRejected(clientIP, "invalid_token")
			}
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Access token is invalid or expired")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithToken(r.Context(), record)))
	})
}

// extractBearerToken extracts the bearer token from the Authorization header.
// Writes a 401 response and returns false when the header is missing or malformed.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Authorization header must use Bearer scheme")
		return "", false
	}

	token := strings.TrimSpace(authHeader[len(prefix):])
	if token == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Bearer token is empty")
		return "", false
	}

	return token, true
}

// ==================== Client authentication ====================

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, _ = r.BasicAuth()
	return
}

// authenticateClient validates client credentials from either Basic auth or
// request parameters. Returns the validated client or an OAuth error.
func (h *Handler) authenticateClient(r *http.Request, req *tokenRequest) (*storage.Client, error) {
	clientID := req.ClientID
	clientSecret := req.ClientSecret

	if authClientID, authClientSecret := h.parseBasicAuth(r); authClientID != "" {
		clientID = authClientID
		clientSecret = authClientSecret
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	clientIP := h.clientIP(r)
	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, "unknown_client", "Unknown client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.ClientType == ClientTypeConfidential {
		if clientSecret == "" {
			h.logAuthFailure(clientID, clientIP, "confidential_client_auth_required", "Confidential client missing credentials")
			return nil, ErrInvalidClient("Client authentication required")
		}
		if err := h.server.ValidateClientCredentials(r.Context(), clientID, clientSecret); err != nil {
			h.logAuthFailure(clientID, clientIP, "client_authentication_failed", "Client authentication failed")
			return nil, ErrInvalidClient("Client authentication failed")
		}
	}

	return client, nil
}

// logAuthFailure logs authentication failures with optional auditing
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if h.server.auditor != nil {
		h.server.auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// ==================== Responses ====================

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(token)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 response with a WWW-Authenticate
// challenge carrying the resource metadata URL (RFC 9728)
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// formatWWWAuthenticate builds the Bearer challenge per RFC 6750 Section 3
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	parts := []string{
		fmt.Sprintf("resource_metadata=%q", h.server.config.Issuer+"/.well-known/oauth-protected-resource"),
	}
	if errCode != "" {
		parts = append(parts, fmt.Sprintf("error=%q", errCode))
	}
	if errorDesc != "" {
		parts = append(parts, fmt.Sprintf("error_description=%q", strings.ReplaceAll(errorDesc, `"`, "'")))
	}
	return tokenTypeBearer + " " + strings.Join(parts, ", ")
}

// ==================== CORS ====================

// setCORSHeaders sets permissive CORS headers for the OAuth endpoints.
// Browser-based MCP clients perform discovery and token requests cross-origin.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.Header().Add("Vary", "Origin")
}

// ServePreflightRequest handles CORS preflight requests
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// ==================== Metrics ====================

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	h.server.instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
