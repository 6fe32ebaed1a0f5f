package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
)

// Client authentication methods accepted by both endpoints
var authMethodsSupported = []string{"client_secret_basic", "client_secret_post"}

// Handler is a thin HTTP adapter for the Server.
// It parses form requests, delegates to the Server and maps error lists to
// RFC 6749 wire errors.
type Handler struct {
	server   *server.Server
	registry *capability.Registry
	config   Config
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler serving reg through srv
func NewHandler(srv *server.Server, reg *capability.Registry, cfg Config) *Handler {
	cfg.applyDefaults()
	return &Handler{
		server:   srv,
		registry: reg,
		config:   cfg,
		logger:   cfg.Logger,
	}
}

// RegisterRoutes registers the token, introspection and metadata endpoints
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(h.config.TokenPath, h.ServeToken)
	mux.HandleFunc(h.config.IntrospectionPath, h.ServeTokenIntrospection)
	mux.HandleFunc(MetadataPath, h.ServeAuthorizationServerMetadata)
}

// ServeToken handles the token endpoint for every supported grant type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	status := http.StatusOK
	defer func() {
		h.recordHTTPMetrics(ctx, "token", r.Method, status, startTime)
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", status)
		return
	}

	if err := r.ParseForm(); err != nil {
		status = h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := &server.TokenRequest{
		ClientCredentials: clientCredentials(r),
		GrantType:         r.PostFormValue("grant_type"),
		Username:          r.PostFormValue("username"),
		Password:          r.PostFormValue("password"),
		Code:              r.PostFormValue("code"),
		RefreshToken:      r.PostFormValue("refresh_token"),
		Scope:             r.PostFormValue("scope"),
	}

	set, errs := h.server.Exchange(ctx, h.registry, req)
	if errs != nil {
		status = h.writeErrors(ctx, w, "token", errs)
		return
	}
	if set == nil {
		status = h.writeError(w, ErrServerError("generate_tokens handler failed"))
		return
	}

	h.logger.Info("Token issued",
		"grant_type", req.GrantType,
		"client_id", req.ClientID,
		"request_id", security.GetRequestID(ctx))

	status = h.writeJSON(w, http.StatusOK, newTokenResponse(set.OAuth2Token()))
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Unknown, malformed and foreign tokens are reported as {"active": false}.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	status := http.StatusOK
	defer func() {
		h.recordHTTPMetrics(ctx, "introspect", r.Method, status, startTime)
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", status)
		return
	}

	if err := r.ParseForm(); err != nil {
		status = h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := &server.IntrospectionRequest{
		ClientCredentials: clientCredentials(r),
		Token:             r.PostFormValue("token"),
		TokenTypeHint:     r.PostFormValue("token_type_hint"),
	}

	resp, errs := h.server.Introspect(ctx, h.registry, req)
	if errs != nil {
		if inactiveOnIntrospection(errs) {
			h.logger.Debug("Introspected token is not active",
				"client_id", req.ClientID,
				"reason", errs.First().Reason,
				"request_id", security.GetRequestID(ctx))
			status = h.writeJSON(w, http.StatusOK, inactiveResponse{Active: false})
			return
		}
		status = h.writeErrors(ctx, w, "introspect", errs)
		return
	}

	status = h.writeJSON(w, http.StatusOK, resp)
}

// ServeAuthorizationServerMetadata serves the RFC 8414 metadata document
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            h.config.Issuer,
		TokenEndpoint:                     h.config.Issuer + h.config.TokenPath,
		IntrospectionEndpoint:             h.config.Issuer + h.config.IntrospectionPath,
		GrantTypesSupported:               h.server.GrantTypes(),
		TokenEndpointAuthMethodsSupported: authMethodsSupported,
		ScopesSupported:                   h.config.ScopesSupported,

		IntrospectionEndpointAuthMethodsSupported: authMethodsSupported,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// clientCredentials reads client credentials from HTTP Basic auth, falling
// back to the form. Basic credentials are form-urlencoded per RFC 6749 §2.3.1.
func clientCredentials(r *http.Request) server.ClientCredentials {
	if id, secret, ok := r.BasicAuth(); ok && id != "" {
		return server.ClientCredentials{
			ClientID:     formDecode(id),
			ClientSecret: formDecode(secret),
		}
	}
	return server.ClientCredentials{
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}
}

func formDecode(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}

// writeErrors maps errs to a wire error and writes it
func (h *Handler) writeErrors(ctx context.Context, w http.ResponseWriter, endpoint string, errs server.Errors) int {
	oauthErr := FromErrors(errs)
	first := errs.First()

	if oauthErr.Code == ErrorCodeServerError {
		h.logger.Error("Request failed",
			"endpoint", endpoint,
			"reason", first.Reason,
			"error", errs.Err(),
			"request_id", security.GetRequestID(ctx))
	} else {
		h.logger.Debug("Request rejected",
			"endpoint", endpoint,
			"error_code", oauthErr.Code,
			"reason", first.Reason,
			"errors", len(errs),
			"request_id", security.GetRequestID(ctx))
	}
	return h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) int {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	return h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) int {
	security.SetTokenResponseHeaders(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
	return status
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	inst.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
