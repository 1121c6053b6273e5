package auth

import (
	"net/http"
)

// Middleware provides HTTP middleware for JWT authentication.
type Middleware struct {
	validator *JWTValidator
}

// NewMiddleware creates a new authentication middleware.
func NewMiddleware(validator *JWTValidator) *Middleware {
	return &Middleware{validator: validator}
}

// Identify optionally validates the bearer token and attaches the claims
// to the request context. Missing or invalid tokens are not an error here:
// the request proceeds unauthenticated and is limited by client IP.
func (m *Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.validator.Validate(authHeader)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := SetClaimsInContext(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate is an HTTP middleware that requires a valid JWT token.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := m.validator.Validate(authHeader)
		if err != nil {
			switch err {
			case ErrMissingToken:
				http.Error(w, "missing token", http.StatusUnauthorized)
			case ErrExpiredToken:
				http.Error(w, "token expired", http.StatusUnauthorized)
			case ErrInvalidToken, ErrInvalidClaims:
				http.Error(w, "invalid token", http.StatusUnauthorized)
			default:
				http.Error(w, "authentication failed", http.StatusUnauthorized)
			}
			return
		}

		ctx := SetClaimsInContext(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope is an HTTP middleware that requires a specific scope.
func (m *Middleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !claims.HasScope(scope) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
