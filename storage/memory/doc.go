// Package memory provides an in-memory implementation of storage.Store.
//
// Clients, users, authorization codes and refresh token records live in maps
// guarded by a sync.RWMutex. Authorization code redemption is a check-and-set
// under the write lock, so exactly one concurrent redemption succeeds. A
// background goroutine removes expired codes and refresh token records.
//
// It is suitable for development, testing, and single-instance deployments.
// For persistence or multiple instances use storage/valkey or storage/sql.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	handlers, _ := capability.NewStoreHandlers(store, codec, cfg, logger)
//	handlers.Register(registry)
package memory
