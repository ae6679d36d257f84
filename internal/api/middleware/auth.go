// Package middleware provides HTTP middleware for the analytics API.
//
// Authentication Strategy:
//   - HMAC-signed JWT bearer tokens (Authorization: Bearer <token>)
//   - `?token=` query parameter for WebSocket upgrades, where browsers
//     cannot set headers
//   - Claims carry the user id, role and, for shop owners, the bound shop
//
// Token issuance belongs to the identity service; Issue exists for the CLI
// and tests.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// Claims is the token payload understood by the analytics service.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
	Role   string `json:"role"`
	ShopID string `json:"shop_id,omitempty"`
}

// Actor converts claims into the engine's caller identity.
func (c *Claims) Actor() models.Actor {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	return models.Actor{ID: id, Role: c.Role, BoundShopID: c.ShopID}
}

// Issue returns a signed HS256 token for actor valid for ttl.
func Issue(secret string, actor models.Actor, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: actor.ID,
		Role:   actor.Role,
		ShopID: actor.BoundShopID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Authenticator validates bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for HMAC secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Validate parses and verifies tokenString and returns the caller.
func (a *Authenticator) Validate(tokenString string) (models.Actor, error) {
	if len(a.secret) == 0 {
		return models.Actor{}, fmt.Errorf("jwt secret is not configured")
	}
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return models.Actor{}, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return models.Actor{}, fmt.Errorf("invalid token")
	}
	actor := claims.Actor()
	if actor.ID == "" {
		return models.Actor{}, fmt.Errorf("token has no subject")
	}
	return actor, nil
}

// Middleware rejects requests without a valid token and stores the actor in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}
		actor, err := a.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey).(models.Actor)
	return a, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
