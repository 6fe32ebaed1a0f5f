// Package security provides the security plumbing for oauth-core.
//
// # Audit Logging
//
// Auditor writes structured security_audit records through log/slog. User ids
// are hashed before logging. Events a hostile client can trigger at request
// rate (authentication failures, authorization code reuse, scope escalation)
// can be throttled per client with an EventThrottle:
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.SetThrottle(security.NewEventThrottle(1, 5, 0, logger))
//
// # Token Sealing
//
// Encryptor seals values with AES-256-GCM. The token codec uses it to make
// access and refresh tokens opaque to clients:
//
//	key, _ := security.GenerateKey()
//	enc, _ := security.NewEncryptor(key)
//	sealed, _ := enc.Encrypt(jwt, "access_token")
//
// # Expiry
//
// IsTokenExpiredAt compares an expiry against an explicit clock with a grace
// period for clock skew (DefaultClockSkewGracePeriod is 5 seconds).
//
// # Request Correlation
//
// RequestIDMiddleware assigns every HTTP request an X-Request-ID that the
// Auditor attaches to its records.
package security
