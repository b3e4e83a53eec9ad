// Package auth resolves the caller's uid from a bearer JWT.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const uidContextKey contextKey = "uid"

// Claims are the JWT claims the gateway reads.
type Claims struct {
	jwt.RegisteredClaims
	UID string `json:"uid,omitempty"`
}

// Authenticator validates HMAC-signed tokens. With an empty secret it runs in
// dev mode and trusts the uid query parameter.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// DevMode reports whether tokens are not checked.
func (a *Authenticator) DevMode() bool { return len(a.secret) == 0 }

// Identify returns the caller's uid. The token is read from the
// Authorization header, or the token query parameter for clients that
// cannot set headers on a websocket upgrade.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	if a.DevMode() {
		if uid := r.URL.Query().Get("uid"); uid != "" {
			return uid, nil
		}
		return "", ErrMissingToken
	}

	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		// Expect "Bearer <token>"
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", ErrInvalidToken
		}
		token = parts[1]
	}
	if token == "" {
		return "", ErrMissingToken
	}
	return a.Verify(token)
}

// Verify parses a token and returns its uid.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	parser := jwt.NewParser(jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", ErrInvalidToken
	}
	uid := claims.UID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return "", fmt.Errorf("%w: no uid claim", ErrInvalidToken)
	}
	return uid, nil
}

// Issue signs a token for uid valid for ttl.
func (a *Authenticator) Issue(uid string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UID: uid,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects unauthenticated requests and stores the uid in the
// request context.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := a.Identify(r)
		if err != nil {
			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUID(r.Context(), uid)))
	}
}

// WithUID stores uid in ctx.
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidContextKey, uid)
}

// UIDFromContext returns the uid stored by Middleware.
func UIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(uidContextKey).(string)
	return uid
}
