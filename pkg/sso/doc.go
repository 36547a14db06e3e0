// Package sso implements federated login against enterprise identity providers.
//
// # Overview
//
// Provider configurations live in a Registry keyed by organization. Each
// configuration names one of three protocols and the Dispatcher selects the
// matching Handler:
//
//	SAML 2.0:       redirect binding AuthnRequest, POST binding assertion consumer
//	OAuth2:         authorization code grant plus a profile endpoint
//	OpenID Connect: discovery, signed ID token and nonce, userinfo
//
// Every handler follows the same two-step contract. Initiate persists a
// PendingHandshake under a random state value and returns a redirect. Complete
// consumes that state exactly once, validates the provider response and
// returns a verified identity.External. Turning that identity into a local
// user and a session is left to the caller:
//
//	ext, err := service.Callback(ctx, sso.ProviderTypeOIDC, cb)
//	user, err := resolver.ResolveUser(ctx, *ext)
//	session, err := tokens.IssueSession(ctx, user)
//
// # Handshake State
//
// States are stored in Redis with SET NX and a TTL and consumed with GETDEL,
// so a replayed callback observes a missing state and is rejected. The memory
// store is for tests and single-node development.
//
// # Errors
//
// Failures are reported as *autherr.Error values. Missing configuration maps to
// ConfigNotFound, bad provider responses to ValidationFailed and transport
// failures or timeouts to NetworkError. No provider call is retried.
package sso
