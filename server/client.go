package server

import (
	"context"
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/storage"
)

// AuthenticateClient resolves and verifies the calling client. It stops at the
// first failure: client_id, client_secret, the get_client handler, then the
// lookup and secret comparison.
//
// Security: an unknown client, a wrong secret and a client without any secret
// all produce the same "client_id not found" message. A dummy bcrypt
// comparison runs for unknown clients so the response time does not reveal
// whether the client exists.
func (s *Server) AuthenticateClient(ctx context.Context, reg *capability.Registry, creds ClientCredentials) (*storage.Client, Errors) {
	if creds.ClientID == "" {
		return nil, Errors{missingField("client_id")}
	}
	if creds.ClientSecret == "" {
		return nil, Errors{missingField("client_secret")}
	}

	getClient, ok := lookup(reg).GetClient()
	if !ok {
		return nil, Errors{missingHandler(capability.GetClient)}
	}

	client, err := getClient(ctx, creds.ClientID)
	if err != nil {
		s.Logger.Error("get_client handler failed", "client_id", creds.ClientID, "error", err)
		return nil, Errors{handlerFailure(capability.GetClient, err)}
	}

	if client == nil {
		_ = bcrypt.CompareHashAndPassword([]byte(storage.DummyHash), []byte(creds.ClientSecret))
		s.clientAuthFailed(ctx, creds.ClientID, ReasonClientNotFound)
		return nil, Errors{clientNotFound(ReasonClientNotFound)}
	}

	if !secretMatches(client, creds.ClientSecret) {
		s.clientAuthFailed(ctx, creds.ClientID, ReasonClientSecretMismatch)
		return nil, Errors{clientNotFound(ReasonClientSecretMismatch)}
	}

	return client, nil
}

// secretMatches compares secret against the stored hash, or the plain secret
// for embedders that keep one.
func secretMatches(client *storage.Client, secret string) bool {
	switch {
	case client.ClientSecretHash != "":
		return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) == nil
	case client.ClientSecret != "":
		return subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(secret)) == 1
	default:
		// A client without any secret can never authenticate here
		_ = bcrypt.CompareHashAndPassword([]byte(storage.DummyHash), []byte(secret))
		return false
	}
}

func (s *Server) clientAuthFailed(ctx context.Context, clientID string, reason Reason) {
	s.Logger.Debug("Client authentication failed", "client_id", clientID, "reason", reason)
	if m := s.metrics(); m != nil {
		m.RecordClientAuthFailure(ctx, string(reason))
	}
	s.Auditor.LogAuthFailure(ctx, "", clientID, string(reason))
}

// lookup returns reg, or an empty registry for a nil one.
func lookup(reg *capability.Registry) *capability.Registry {
	if reg == nil {
		return capability.NewRegistry()
	}
	return reg
}
