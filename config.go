package oauth

import (
	"log/slog"
	"strings"
)

// Default endpoint paths registered by Handler.RegisterRoutes
const (
	DefaultTokenPath         = "/oauth/token"
	DefaultIntrospectionPath = "/oauth/introspect"
	MetadataPath             = "/.well-known/oauth-authorization-server"
)

// Config holds the HTTP handler configuration
type Config struct {
	// Issuer is the public base URL of the server, published in the RFC 8414
	// metadata document. Endpoint URLs are derived from it.
	Issuer string

	// TokenPath is the token endpoint path
	// Default: "/oauth/token"
	TokenPath string

	// IntrospectionPath is the introspection endpoint path
	// Default: "/oauth/introspect"
	IntrospectionPath string

	// ScopesSupported is advertised in the metadata document
	ScopesSupported []string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// applyDefaults fills unset fields
func (c *Config) applyDefaults() {
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.IntrospectionPath == "" {
		c.IntrospectionPath = DefaultIntrospectionPath
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
}
