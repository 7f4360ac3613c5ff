// Package storage provides interfaces and shared types for OAuth client,
// authorization code, and access token persistence.
//
// The storage package defines the core storage interfaces used throughout the
// gateway:
//   - ClientStore: Manages dynamically registered OAuth clients
//   - CodeStore: Manages single-use authorization codes
//   - TokenStore: Manages issued bearer tokens
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing, and
//     single-instance deployments
//   - storage/valkey: Valkey-backed storage for multi-replica deployments
//   - storage/mock: Overridable stores for consumer tests
package storage
