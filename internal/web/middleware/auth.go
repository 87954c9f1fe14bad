package middleware

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/smarzola/ldapgate/internal/backend"
)

type contextKey string

const UserDNKey contextKey = "user_dn"

// Auth validates HTTP Basic Auth credentials against the directory
// backend. The user name is either a full DN or a uid under ou=users.
type Auth struct {
	authenticator backend.Authenticator
	baseDN        string
}

// NewAuth creates a new authentication middleware
func NewAuth(authenticator backend.Authenticator, baseDN string) *Auth {
	return &Auth{
		authenticator: authenticator,
		baseDN:        baseDN,
	}
}

// RequireAuth is middleware that requires Basic Auth with directory
// credentials
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		const prefix = "Basic "
		if !strings.HasPrefix(authHeader, prefix) {
			a.requestAuth(w)
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
		if err != nil {
			a.requestAuth(w)
			return
		}

		user, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			a.requestAuth(w)
			return
		}

		ctx := r.Context()
		userDN, err := a.authenticate(ctx, user, password)
		if err != nil {
			slog.Warn("Authentication failed", "user", user, "error", err)
			a.requestAuth(w)
			return
		}

		ctx = context.WithValue(ctx, UserDNKey, userDN)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserDN maps a Basic Auth user name to a DN
func (a *Auth) UserDN(user string) string {
	if strings.Contains(user, "=") {
		return user
	}
	return fmt.Sprintf("uid=%s,ou=users,%s", user, a.baseDN)
}

// authenticate validates credentials and returns the user DN
func (a *Auth) authenticate(ctx context.Context, user, password string) (string, error) {
	if user == "" || password == "" {
		return "", fmt.Errorf("missing credentials")
	}

	userDN := a.UserDN(user)
	valid, err := a.authenticator.Authenticate(ctx, userDN, password)
	if err != nil {
		return "", fmt.Errorf("password verification failed: %w", err)
	}
	if !valid {
		return "", fmt.Errorf("invalid credentials")
	}
	return userDN, nil
}

// requestAuth sends a 401 response requesting Basic Auth
func (a *Auth) requestAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="ldapgate"`)
	http.Error(w, "Authentication required", http.StatusUnauthorized)
}

// GetUserDN retrieves the authenticated user DN from the request context
func GetUserDN(r *http.Request) string {
	if dn, ok := r.Context().Value(UserDNKey).(string); ok {
		return dn
	}
	return ""
}
