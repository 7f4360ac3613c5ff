// Package valkey provides a Valkey storage backend for the gateway.
//
// It implements the storage.ClientStore, storage.CodeStore, and
// storage.TokenStore interfaces on top of a single Valkey (or Redis
// compatible) server, which lets several gateway replicas share one set of
// registered clients, authorization codes, and access tokens.
//
// # Key Layout
//
// All keys carry a configurable prefix (default "gw:"):
//
//	gw:client:{client_id}   registered client, JSON
//	gw:client:ip:{ip}       registration counter per IP, 24h TTL
//	gw:code:{code}          authorization code, JSON, TTL = code lifetime
//	gw:token:{token}        access token record, JSON, TTL = token lifetime
//
// Codes and tokens expire through key TTLs, so the backend needs no cleanup
// goroutine. Expiry timestamps are stored in the payloads as well and
// double-checked on read.
//
// # Atomicity
//
// ConsumeAuthorizationCode runs a Lua script on the server so the
// check-and-mark of the used flag is a single atomic step. Under concurrent
// exchange attempts for the same code exactly one caller succeeds; the rest
// observe the used flag and receive storage.ErrCodeAlreadyUsed together with
// the code record for auditing.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//		Address: "localhost:6379",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	srv, err := oauth.NewServer(store, store, store, cfg, logger)
//
// Tests require a running Valkey instance and skip themselves otherwise; set
// VALKEY_TEST_ADDR to point them at a non-default address.
package valkey
