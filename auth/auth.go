// Package auth verifies bearer tokens from the identity provider and gates
// the admin and rider surfaces. Tokens are HS256 JWTs carrying a stable
// user id and an admin flag.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller: a stable user identifier and whether
// the identity provider marked them as an admin.
type Identity struct {
	UserID string `json:"userId"`
	Admin  bool   `json:"admin"`
}

// Claims are the JWT claims this service understands.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier for the given shared secret. issuer, when
// non-empty, is matched against the token's iss claim.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates the token and returns the caller's identity.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token missing subject")
	}
	return &Identity{UserID: claims.Subject, Admin: claims.Admin}, nil
}

// Sign issues a token for the identity, valid for ttl. Intended for tests
// and local development seeding.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Admin: id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Context plumbing for the verified identity.

type contextKey string

const identityContextKey contextKey = "auth_identity"

// IdentityFromContext returns the verified identity attached by the
// middleware, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// Middleware authenticates requests and attaches the identity to the
// request context.
type Middleware struct {
	verifier *Verifier
}

// NewMiddleware creates an auth Middleware on the given verifier.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Require wraps next, rejecting requests without a valid bearer token.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), identityContextKey, id)))
	})
}

// RequireAdmin wraps next, additionally rejecting authenticated callers
// without the admin flag.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		if !id.Admin {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), identityContextKey, id)))
	})
}

func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		http.Error(w, `{"error":"authorization header required"}`, http.StatusUnauthorized)
		return nil, false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		http.Error(w, `{"error":"bearer authorization required"}`, http.StatusUnauthorized)
		return nil, false
	}
	id, err := m.verifier.Verify(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return nil, false
	}
	return id, true
}
