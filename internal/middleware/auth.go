package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// UserIDHeader carries the caller identity when no JWT secret is configured.
const UserIDHeader = "X-User-ID"

type contextKey struct{}

var errUnauthorized = errors.New("unauthorized")

// WithUserID stores the authenticated user id on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the user id set by Auth.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// Auth resolves the caller identity. With a secret it expects an HS256
// bearer token and uses its subject; without one it trusts X-User-ID.
func Auth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				userID string
				err    error
			)
			if len(key) > 0 {
				userID, err = subjectFromRequest(r, key)
			} else {
				userID = strings.TrimSpace(r.Header.Get(UserIDHeader))
				if userID == "" {
					err = errUnauthorized
				}
			}

			if err != nil {
				log.Printf("[auth] rejected %s %s: %v", r.Method, r.URL.Path, err)
				utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func subjectFromRequest(r *http.Request, key []byte) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", errUnauthorized
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", errors.New("token missing subject claim")
	}
	return subject, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// WebSocket and EventSource requests, so the access_token query parameter is
// accepted as well.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if prefix := "Bearer "; len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
