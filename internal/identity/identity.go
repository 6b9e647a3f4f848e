// Package identity authenticates registry operators.
//
// It provides:
//   - TokenIssuer: issues and verifies HS256 operator tokens
//   - RequireScope: Gin middleware enforcing a Bearer token with a scope
//   - ActorFromCtx: the authenticated operator, recorded on every mutation
package identity
