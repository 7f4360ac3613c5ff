// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements ClientStore, CodeStore, and TokenStore using Go's
// built-in maps with mutex protection for thread safety. It is suitable for
// development, testing, and single-instance deployments where persistence is
// not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic check-and-consume for authorization codes
//   - Automatic cleanup of expired codes and tokens
//   - Configurable cleanup intervals
//   - Per-IP client registration accounting
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	// Use store for ClientStore, CodeStore, and TokenStore interfaces
//	server, _ := oauth.NewServer(store, store, store, config, logger)
package memory
