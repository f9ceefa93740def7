package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// TokenAuthenticator resolves a bearer access token to a user id.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type AuthMiddleware struct {
	authService TokenAuthenticator
	logr        *zap.Logger
}

type contextKey string

const ContextUserIDKey contextKey = "userID"

// NewAuthMiddleware creates a reusable JWT auth middleware instance
func NewAuthMiddleware(authService TokenAuthenticator, logr *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		logr:        logr,
	}
}

// JWTAuth validates the bearer token, including its revocation version, and
// attaches the user id to the request context.
func (m *AuthMiddleware) JWTAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || tokenString == "" {
			http.Error(w, "invalid token format", http.StatusUnauthorized)
			return
		}

		userID, err := m.authService.Authenticate(r.Context(), tokenString)
		if err != nil {
			m.logr.Warn("token rejected", zap.Error(err))
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextUserIDKey, userID)
}

// UserIDFromContext returns the authenticated user id set by JWTAuth.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextUserIDKey).(string)
	return id, ok && id != ""
}
