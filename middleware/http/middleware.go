// Package http provides HTTP middleware for Supabase authentication and
// entitlement lookup.
package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserKey is the context key for the authenticated User
	UserKey ContextKey = "aigrid:user"

	// TierKey is the context key for the caller's effective tier
	TierKey ContextKey = "aigrid:tier"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// User is the authenticated caller.
type User struct {
	ID    string
	Email string
}

// Claims are the Supabase access token claims this package reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// Secret is the Supabase JWT secret (required).
	Secret []byte

	// Audience is checked when set. Supabase uses "authenticated".
	Audience string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration

	// OnUnauthorized is called when a required user is missing
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// ParseToken validates an HS256 Supabase access token and returns its user.
func (c AuthConfig) ParseToken(token string) (User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.Leeway),
	}
	if c.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.Audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return c.Secret, nil
	}, opts...)
	if err != nil {
		return User{}, err
	}
	if claims.Subject == "" {
		return User{}, jwt.ErrTokenInvalidSubject
	}
	return User{ID: claims.Subject, Email: strings.ToLower(claims.Email)}, nil
}

// Authenticate reads an optional bearer token. A valid token puts the
// User into the request context; missing or invalid tokens leave the
// request anonymous.
func Authenticate(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			user, err := config.ParseToken(token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireUser rejects requests without an authenticated User. It expects
// Authenticate to run first.
func RequireUser(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserFromContext(r.Context()); !ok {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin only lets through users whose email is listed. Comparison
// is case-insensitive.
func RequireAdmin(emails []string) func(http.Handler) http.Handler {
	admins := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			admins[e] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := admins[user.Email]; !ok || user.Email == "" {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TierResolver reports a user's effective tier.
type TierResolver interface {
	EffectiveTier(ctx context.Context, userID string) (aigrid.Tier, error)
}

// EntitlementConfig holds entitlement middleware configuration
type EntitlementConfig struct {
	// Resolver is usually the *aigrid.Reconciler (required).
	Resolver TierResolver

	// OnError is called when the tier cannot be resolved. If nil the
	// request continues on the free tier.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Entitlement stores the caller's effective tier in the request context.
// Anonymous callers are on the free tier.
func Entitlement(config EntitlementConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := aigrid.TierFree
			if user, ok := UserFromContext(r.Context()); ok {
				resolved, err := config.Resolver.EffectiveTier(r.Context(), user.ID)
				if err != nil {
					if config.OnError != nil {
						config.OnError(w, r, err)
						return
					}
				} else {
					tier = resolved
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), TierKey, tier)))
		})
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len("bearer "):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// UserFromContext returns the authenticated User, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(UserKey).(User)
	return user, ok && user.ID != ""
}

// UserID returns the authenticated user id or "".
func UserID(r *http.Request) string {
	user, _ := UserFromContext(r.Context())
	return user.ID
}

// TierFromContext returns the tier set by Entitlement, or free.
func TierFromContext(ctx context.Context) aigrid.Tier {
	if tier, ok := ctx.Value(TierKey).(aigrid.Tier); ok {
		return tier
	}
	return aigrid.TierFree
}
