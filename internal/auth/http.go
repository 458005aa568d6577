// ABOUTME: HTTP middleware resolving the X-User-Id header to a registered user
// ABOUTME: Optionally checks a bearer JWT whose subject must match the header

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/cohora-gateway/internal/users"
)

// HeaderUserID names the caller on HTTP requests and websocket upgrades.
const HeaderUserID = "X-User-Id"

// Authentication errors. Their messages are the ones shown to clients.
var (
	ErrAuthRequired  = errors.New("Authentication required")
	ErrInvalidUserID = errors.New("Invalid user ID")
	ErrTokenMismatch = errors.New("Invalid token")
)

// UserLookup resolves user ids. *users.Registry implements it.
type UserLookup interface {
	Lookup(id string) (*users.User, bool)
}

// Options tunes the middleware.
type Options struct {
	// RequireToken rejects requests without a valid bearer token.
	RequireToken bool
}

// extractBearerToken extracts a bearer token from the Authorization header.
// ok is false when the header is absent or not a bearer credential.
func extractBearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

// Authenticate resolves the caller of r. verifier may be nil.
func Authenticate(r *http.Request, lookup UserLookup, verifier TokenVerifier, opts Options) (*Identity, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil, ErrAuthRequired
	}

	user, ok := lookup.Lookup(userID)
	if !ok {
		return nil, ErrInvalidUserID
	}
	id := &Identity{UserID: user.ID, DisplayName: user.DisplayName}

	token, hasToken := extractBearerToken(r.Header.Get("Authorization"))
	if verifier == nil {
		return id, nil
	}
	if !hasToken {
		if opts.RequireToken {
			return nil, ErrAuthRequired
		}
		return id, nil
	}

	sub, err := verifier.Verify(token)
	if err != nil || sub != user.ID {
		return nil, ErrTokenMismatch
	}
	id.TokenVerified = true
	return id, nil
}

// Middleware creates an HTTP middleware that authenticates the caller and
// adds its Identity to the request context.
func Middleware(lookup UserLookup, verifier TokenVerifier, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(r, lookup, verifier, opts)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": map[string]any{"code": http.StatusUnauthorized, "message": message},
	})
}
