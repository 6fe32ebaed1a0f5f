package security

import "net/http"

// SetTokenResponseHeaders sets the headers RFC 6749 §5.1 and RFC 7662 require
// on responses carrying tokens or token metadata.
func SetTokenResponseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
}
