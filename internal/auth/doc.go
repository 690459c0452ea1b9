// Package auth authenticates realtime connections and HTTP API callers.
//
// # Credentials
//
// Clients present a bearer token in one of three places, checked in order:
//
//   - Query parameter: ws://host/ws?token=...
//   - Auth payload: the first frame {"event":"auth","data":{"token":"..."}}
//   - Header: Authorization: Bearer ...
//
// ExtractToken applies that precedence to a Handshake.
//
// # Validation
//
// A Validator turns a token into an Identity (user ID, role, optional
// organization). JWTValidator verifies HS256 tokens signed with the
// configured secret; role and organization claim names are configurable.
//
// Every failure is reported as an *AuthError with a Reason of missing,
// invalid or expired. Authentication failures end the connection.
//
// # HTTP
//
// BearerMiddleware validates the Authorization header for API routes and
// stores the Identity on the request context. RequireRoles gates a route on
// the caller's role.
package auth
