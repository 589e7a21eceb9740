// ABOUTME: Package documentation for the mcpgate HTTP client
// ABOUTME: Used by mcpgate-admin's call and tools commands

// Package client is a small Go client for a running mcpgate gateway.
//
// A Client holds one API key. It exchanges the key for a bearer token on
// first use, caches the token until shortly before it expires, and
// re-exchanges once when the gateway answers 401. Responses with status 429
// are retried after the gateway's Retry-After hint, and 503 responses with
// exponential backoff, up to the configured attempt budget. Every other
// non-2xx response is returned as an *APIError.
package client
