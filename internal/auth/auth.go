// Package auth authenticates API callers by bearer token. Tokens are
// never stored; the configuration holds bcrypt hashes produced by
// `almanac hash-token`.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/almanac/internal/config"
)

// ErrUnauthorized is returned for a missing or unknown token.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUser is the identity every caller has in single-user mode.
const LocalUser = "local"

// Authenticator maps tokens to user IDs.
type Authenticator struct {
	users  []config.UserConfig
	logger *slog.Logger
}

// New creates an Authenticator for the configured users. With no users
// it runs in single-user mode: every request is LocalUser.
func New(users []config.UserConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		users:  users,
		logger: logger.With("component", "auth"),
	}
}

// SingleUser reports whether authentication is disabled.
func (a *Authenticator) SingleUser() bool {
	return len(a.users) == 0
}

// Authenticate returns the user ID whose hash matches token.
func (a *Authenticator) Authenticate(token string) (string, error) {
	if a.SingleUser() {
		return LocalUser, nil
	}
	if token == "" {
		return "", ErrUnauthorized
	}
	for _, u := range a.users {
		err := bcrypt.CompareHashAndPassword([]byte(u.TokenHash), []byte(token))
		if err == nil {
			return u.ID, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			a.logger.Warn("unusable token hash", "user", u.ID, "error", err)
		}
	}
	return "", ErrUnauthorized
}

// AuthenticateRequest authenticates the request's bearer token. Browsers
// cannot set headers on a WebSocket upgrade, so a "token" query
// parameter is accepted as well.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (string, error) {
	return a.Authenticate(BearerToken(r))
}

// BearerToken extracts the token from the Authorization header or the
// token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// HashToken returns the bcrypt hash to place in a user's token_hash.
func HashToken(token string) (string, error) {
	if len(token) < 16 {
		return "", fmt.Errorf("token must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}
