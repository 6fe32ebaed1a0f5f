// Package storage provides the data model and persistence interfaces used by the
// reference capability handlers in package capability.
//
// The core grant and introspection engine never calls a store directly. Stores
// are reached only through capability handlers, so embedders can replace any of
// them with their own persistence.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/sql: SQL storage on bun (SQLite and PostgreSQL)
package storage
