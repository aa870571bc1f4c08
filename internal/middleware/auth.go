package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fluxreve-server/internal/domain"
)

// Claims is the JWT payload issued by the identity service.
type Claims struct {
	Plan string `json:"plan"`
	jwt.RegisteredClaims
}

type identityKey struct{}

// Identity is the authenticated principal stored in the request context.
type Identity struct {
	UserID string
	Plan   domain.UserPlan
}

// SignToken issues an HS256 token for a user. Used by tests and tooling;
// production tokens come from the identity service with the shared secret.
func SignToken(secret, userID string, plan domain.UserPlan, ttl time.Duration) (string, error) {
	claims := Claims{
		Plan: string(plan),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken parses and validates a bearer token.
func VerifyToken(secret, token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	plan := domain.UserPlan(claims.Plan)
	switch plan {
	case domain.UserPlanBasic, domain.UserPlanPro:
	default:
		plan = domain.UserPlanFree
	}
	return &Identity{UserID: claims.Subject, Plan: plan}, nil
}

// Auth requires a valid bearer token and stores the identity in context.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := bearerIdentity(secret, r)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if identity == nil {
				http.Error(w, "missing authorization", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), *identity)))
		})
	}
}

// OptionalAuth resolves the identity when a token is present but lets
// anonymous requests through. Public surfaces use it to recognize owners.
func OptionalAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := bearerIdentity(secret, r)
			if err == nil && identity != nil {
				r = r.WithContext(ContextWithIdentity(r.Context(), *identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerIdentity(secret string, r *http.Request) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("malformed authorization header")
	}
	return VerifyToken(secret, parts[1])
}

// ContextWithIdentity stores the principal on the context.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the principal, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(Identity)
	return v, ok
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if id, ok := IdentityFromContext(ctx); ok {
		return id.UserID
	}
	return ""
}

// PlanFromContext returns the viewer's plan, defaulting to free.
func PlanFromContext(ctx context.Context) domain.UserPlan {
	if id, ok := IdentityFromContext(ctx); ok {
		return id.Plan
	}
	return domain.UserPlanFree
}
