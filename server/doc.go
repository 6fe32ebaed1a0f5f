// Package server implements the grant execution and token introspection
// engine.
//
// A Server never touches storage itself. Every lookup, credential check and
// token mint goes through the handlers of a capability.Registry that the
// caller passes into each operation, so one Server can serve any number of
// registries (tenants, tests, alternative backends).
//
// Grant types:
//   - password (PasswordGrant)
//   - authorization_code (AuthorizationCodeGrant)
//   - refresh_token (RefreshTokenGrant), with rotation enabled by default
//
// All operations return an ordered Errors list instead of a single error.
// Each Error carries a Kind for its category and a Reason that callers map to
// a wire error code. Unknown clients, wrong secrets and tokens owned by
// another client share the message "client_id not found".
//
// Example usage:
//
//	reg := capability.NewRegistry()
//	handlers.Register(reg)
//
//	srv := server.New(&server.Config{}, logger)
//	set, errs := srv.Exchange(ctx, reg, &server.TokenRequest{
//	    ClientCredentials: server.ClientCredentials{ClientID: "app", ClientSecret: "secret"},
//	    GrantType:         "password",
//	    Username:          "alice",
//	    Password:          "wonderland",
//	    Scope:             "openid profile",
//	})
//	if errs != nil {
//	    return errs.Err()
//	}
package server
