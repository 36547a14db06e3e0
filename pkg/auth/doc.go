// Package auth holds the local user model and the session token service.
//
// A successful federated login ends with TokenService.IssueSession, which
// returns a short-lived HS256 access token and an opaque refresh token. Only
// the SHA-256 hash of a refresh token is stored; presenting it to Refresh
// revokes it and issues a fresh pair.
//
//	svc := auth.NewTokenService(auth.TokenConfig{Secret: secret, Issuer: "warden"}, refreshStore, users)
//	session, err := svc.IssueSession(ctx, user)
//	claims, err := svc.ParseAccessToken(session.AccessToken)
package auth
