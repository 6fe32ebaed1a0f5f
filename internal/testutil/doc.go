// Package testutil provides test fixtures for the oauth-core packages: a
// capability registry backed by a seeded memory store, a controllable clock
// and a small HTTP request builder.
package testutil
