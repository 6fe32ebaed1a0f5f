// Package valkey provides a Valkey storage backend for the reference capability
// handlers.
//
// Valkey is wire-compatible with Redis. The backend suits deployments where
// several server replicas share clients, codes and refresh token records.
//
// # Implemented Interfaces
//
// The Store type implements [storage.Store]:
//
//   - [storage.ClientStore]: client registration and lookup
//   - [storage.UserStore]: resource owners and password verification
//   - [storage.FlowStore]: single-use authorization codes
//   - [storage.TokenStore]: refresh token records keyed by jti
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}client:{clientID}   -> JSON(Client)
//	{prefix}user:{username}     -> JSON(User)
//	{prefix}code:{code}         -> JSON(AuthorizationCode) (with TTL)
//	{prefix}refresh:{jti}       -> JSON(RefreshToken) (with TTL when it expires)
//
// # Atomic Operations
//
// AtomicCheckAndMarkAuthCodeUsed runs as a Lua script, so exactly one of any
// number of concurrent redemptions of a code succeeds, across replicas.
// Redeemed codes stay readable for a short while so replay can be reported
// together with the code's owner.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
