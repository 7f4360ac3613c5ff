// Package util provides small helpers shared across the gateway.
//
// It contains string helpers for safely truncating sensitive values before
// logging, URL normalization for issuer comparison, and IP classification
// used for SSRF protection in redirect URI validation.
package util
