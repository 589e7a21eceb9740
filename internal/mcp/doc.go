// ABOUTME: Package documentation for the HTTP API surface
// ABOUTME: Describes the three endpoints and the shared error envelope

// Package mcp serves the gateway's HTTP API:
//
//	POST /api/auth/token    exchange an API key for a bearer token
//	POST /api/mcp/execute   run one tool call
//	GET  /api/mcp/tools     list the tools the caller may invoke
//
// Every response carries a server-generated X-Request-Id. Failures use a
// single envelope, {"error":{"code","message","fields"},"requestId"}, with
// retryAfter added on 429 responses. All authorization, rate limiting,
// validation and auditing happens in the dispatcher; this package only
// decodes envelopes and renders results.
package mcp
