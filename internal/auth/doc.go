// Package auth provides bearer-token authentication for the bridge control API.
//
// # Tokens
//
// Callers authenticate with HS256 JWTs signed with the configured
// api.jwt_secret. Each token carries a subject and a scope:
//
//   - read: status, health, provider listing, event stream
//   - control: everything in read plus lifecycle, RPC and provider mutations
//
// Tokens are minted locally with `coven-bridge token`.
//
// # HTTP Middleware
//
// Authenticate verifies the Authorization header and stores the Claims in the
// request context. RequireScope rejects requests whose token lacks a scope.
// When no secret is configured the API runs unauthenticated on loopback and
// the middleware is not installed.
package auth
