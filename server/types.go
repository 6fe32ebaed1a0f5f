package server

// ClientCredentials identify the calling client.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// TokenRequest is a token endpoint request. Only the fields of the selected
// grant type are read.
type TokenRequest struct {
	ClientCredentials

	GrantType string

	// password
	Username string
	Password string

	// authorization_code
	Code string

	// refresh_token
	RefreshToken string

	// Scope is the space-delimited requested scope. For refresh_token it may
	// narrow the original grant.
	Scope string
}

// IntrospectionRequest is an RFC 7662 introspection request.
type IntrospectionRequest struct {
	ClientCredentials

	Token         string
	TokenTypeHint string
}

// IntrospectionResponse is the RFC 7662 response. Claims are returned even
// when Active is false.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Issuer    string `json:"iss,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}
