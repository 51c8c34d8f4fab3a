package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/itskum47/deployplane/control_plane/auth"
)

type contextKey string

const (
	userKey contextKey = "user_id"

	// TokenHeader carries the operator credential.
	TokenHeader = "token"
	// UserHeader may carry the user id when it is not in the query.
	UserHeader = "X-User-ID"
)

// BearerToken returns the token from "Authorization: Bearer <token>", or "".
func BearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Credentials returns the operator token and user id of a request. The token
// comes from the token header, or the token query parameter for browser
// event streams that cannot set headers. The user id is taken from the userId
// query parameter, then the X-User-ID header, then fallback (usually a body
// field).
func Credentials(r *http.Request, fallback string) (token, userID string) {
	token = r.Header.Get(TokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID = r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.Header.Get(UserHeader)
	}
	if userID == "" {
		userID = fallback
	}
	return token, userID
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserFromContext returns the verified user id, or "".
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// RequireUser rejects requests without a credential that v accepts for the
// claimed user id.
func RequireUser(v auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, userID := Credentials(r, "")
			if token == "" || userID == "" {
				forbidden(w, "Authentication token missing")
				return
			}
			if !v.Verify(token, userID) {
				forbidden(w, "Invalid authentication token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

func forbidden(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
