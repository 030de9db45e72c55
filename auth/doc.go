// Package auth provides bearer token verification for the HTTP and
// WebSocket transports. It validates RFC 9068 JWT access tokens issued
// by an external OAuth 2.0 / OIDC authorization server.
//
// The surface is small: an Authenticator validates a bearer token string
// and returns a UserInfo or an error. Transports extract the token from
// the request and map the sentinel errors ErrUnauthorized and
// ErrInsufficientScope into protocol challenges.
//
// NewFromDiscovery builds an Authenticator from OIDC discovery metadata
// (issuer, jwks_uri); keys refresh automatically. NewStatic skips
// discovery and validates against an explicitly configured JWKS URL.
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://rpc.example/v1",
//	    auth.WithRequiredScopes("rpc:call"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	ui, err := authn.CheckAuthentication(ctx, bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 */ }
//
// WithRequiredScopes demands every listed scope in the token's
// space-delimited scope claim; WithAnyRequiredScope accepts any one of
// them. Only RS256 is accepted unless WithAllowedAlgs broadens the set.
package auth
