// Package capability defines the extension points through which the grant and
// introspection engine reaches the embedding application.
//
// Every capability has a name (get_client, generate_tokens, ...) and a typed
// function signature. Handlers are collected in a Registry that is built once
// at startup and passed into each server call:
//
//	reg := capability.NewRegistry()
//	reg.RegisterGetClient(func(ctx context.Context, id string) (*storage.Client, error) {
//		return lookupClient(ctx, id)
//	})
//
// Register accepts handlers by name for configuration driven setups and
// rejects handlers whose type does not match the capability.
//
// StoreHandlers provides a complete set of handlers on top of a storage.Store
// and a token.Codec:
//
//	handlers, err := capability.NewStoreHandlers(store, codec, capability.Config{
//		Issuer:   "https://auth.example.com",
//		Audience: "https://api.example.com",
//	}, logger)
//	handlers.Register(reg)
package capability
