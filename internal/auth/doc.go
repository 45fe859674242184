// Package auth authenticates callers of the coven-relay HTTP API.
//
// Callers present an HS256 JWT signed with the configured auth.jwt_secret,
// either in the Authorization header or, for EventSource clients that cannot
// set headers, as the access_token query parameter. The "sub" claim names the
// principal and the optional "roles" claim carries its roles:
//
//	verifier := auth.NewJWTVerifier(secret, auth.WithIssuer("coven-relay"))
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//
// Handlers read the caller with FromContext. RequireRole(RoleAdmin) guards
// operator endpoints.
package auth
