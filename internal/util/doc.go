// Package util holds helpers shared by the storage backends and the server.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - TokenPrefix: The loggable prefix of an authorization code or token
package util
