package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Context carries the caller identity used to scope record queries.
type Context struct {
	IsSystem bool   `json:"is_system"`
	UserID   string `json:"user_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// System returns a context with unrestricted record access.
func System() Context {
	return Context{IsSystem: true}
}

// Anonymous reports whether the context carries no identity at all.
func (c Context) Anonymous() bool {
	return !c.IsSystem && c.UserID == "" && c.TenantID == ""
}

// ScopeKey is a stable string used when caching scoped results.
func (c Context) ScopeKey() string {
	if c.IsSystem {
		return "system"
	}
	return "tenant=" + c.TenantID + ";user=" + c.UserID
}

type ctxKey struct{}

// WithContext stores sc in ctx.
func WithContext(ctx context.Context, sc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext returns the security context stored in ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	sc, ok := ctx.Value(ctxKey{}).(Context)
	return sc, ok
}

// Claims are the JWT claims understood by the analytics API.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	System   bool   `json:"system,omitempty"`
	jwt.RegisteredClaims
}

// ErrMissingToken is returned when no bearer token is present.
var ErrMissingToken = errors.New("missing bearer token")

// TokenParser validates HMAC-signed bearer tokens.
type TokenParser struct {
	secret []byte
	issuer string
}

// NewTokenParser creates a parser for tokens signed with secret.
func NewTokenParser(secret, issuer string) *TokenParser {
	return &TokenParser{secret: []byte(secret), issuer: issuer}
}

// ParseHeader extracts a security context from an Authorization header value.
func (p *TokenParser) ParseHeader(header string) (Context, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Context{}, ErrMissingToken
	}
	return p.Parse(strings.TrimSpace(raw))
}

// Parse validates a raw token and maps its claims onto a Context.
func (p *TokenParser) Parse(raw string) (Context, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return Context{}, fmt.Errorf("invalid token: %w", err)
	}

	return Context{
		IsSystem: claims.System,
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
	}, nil
}

// Sign issues a token for sc. Used by the CLI and tests.
func (p *TokenParser) Sign(sc Context, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = sc.UserID
	if p.issuer != "" {
		claims.Issuer = p.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		TenantID:         sc.TenantID,
		System:           sc.IsSystem,
		RegisteredClaims: claims,
	})
	return token.SignedString(p.secret)
}
