// Package testutil provides testing utilities and fixtures for the gateway:
// deterministic time providers, random token generators, PKCE pairs, and
// pre-populated storage records.
package testutil
