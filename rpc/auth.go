package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowledger/crypto"
)

// ScopeOperator lets a token act on behalf of an explicit caller address
// instead of its own subject.
const ScopeOperator = "escrow:operator"

// AuthConfig configures bearer token validation for mutating methods.
type AuthConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Claims identifies the authenticated caller of a request.
type Claims struct {
	Subject [20]byte
	Scopes  []string
}

// HasScope reports whether the token was granted scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.Secret))}
}

// Authenticate validates the bearer token on r. Requests are rejected when
// no secret is configured.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, *RPCError) {
	if a == nil || len(a.secret) == 0 {
		return nil, &RPCError{Code: codeUnauthorized, Message: "authentication not configured"}
	}
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return nil, &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	claims, err := a.parse(raw)
	if err != nil {
		return nil, &RPCError{Code: codeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	return claims, nil
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	parsed := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, parsed, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	subject, err := crypto.ParseAddress(parsed.Subject)
	if err != nil {
		return nil, err
	}
	return &Claims{Subject: subject.Raw(), Scopes: strings.Fields(parsed.Scope)}, nil
}

// IssueToken signs an HS256 token for subject, which must be an account
// address in bech32 or hex form.
func IssueToken(secret, issuer, audience, subject string, scopes []string, ttl time.Duration) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("rpc: token secret required")
	}
	addr, err := crypto.ParseAddress(subject)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := tokenClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type claimsKey struct{}

func withClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// resolveCaller returns the account a mutating request acts as. An explicit
// caller different from the token subject needs the operator scope.
func resolveCaller(ctx context.Context, explicit string) ([20]byte, *RPCError) {
	claims := claimsFrom(ctx)
	if claims == nil {
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "unauthenticated"}
	}
	if strings.TrimSpace(explicit) == "" {
		return claims.Subject, nil
	}
	addr, err := crypto.ParseAddress(explicit)
	if err != nil {
		return [20]byte{}, &RPCError{Code: codeInvalidParams, Message: "invalid caller", Data: err.Error()}
	}
	if addr.Raw() != claims.Subject && !claims.HasScope(ScopeOperator) {
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "caller does not match token subject"}
	}
	return addr.Raw(), nil
}
