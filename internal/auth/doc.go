// Package auth identifies the user behind an HTTP request.
//
// # Identity
//
// Identity is delegated: callers name themselves with the X-User-Id header,
// and the id must belong to a registered user. Unknown ids are rejected with
// 401 "Invalid user ID"; a missing header with 401 "Authentication required".
//
// # Tokens
//
// When a JWT secret is configured, user creation also issues an HS256 token
// whose "sub" claim is the user id. A request that carries
// "Authorization: Bearer <token>" must present a token whose subject equals
// X-User-Id. With RequireToken set the bearer token becomes mandatory; the
// gateway sets it whenever a secret is configured.
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	mw := auth.Middleware(users, verifier, auth.Options{RequireToken: true})
//	mux.Handle("POST /api/messages/send", mw(sendHandler))
//
// # Context
//
// Handlers behind the middleware read the caller with FromContext.
package auth
