package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// SubjectContextKey holds the authenticated caller's subject.
const SubjectContextKey contextKey = "auth_subject"

// JWTMiddleware validates HS256 bearer tokens against secret and attaches the
// token subject to the request context. An empty secret disables the check.
func JWTMiddleware(secret string, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w, "missing or invalid token")
				return
			}

			tokenStr := strings.TrimPrefix(auth, "Bearer ")
			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				logger.Debugw("Token validation failed", "error", err)
				writeUnauthorized(w, "invalid token")
				return
			}

			subject := subjectOf(claims)
			if subject == "" {
				writeUnauthorized(w, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), SubjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated subject stored by JWTMiddleware.
func Subject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(SubjectContextKey).(string)
	return s, ok
}

func subjectOf(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	if id, ok := claims["user_id"].(string); ok {
		return id
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
