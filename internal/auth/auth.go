package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrUnauthorized is the only error a caller sees when a credential is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// IdentityClaims represents JWT claims bound to one identity.
type IdentityClaims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates bearer credentials with a shared HMAC secret.
type Authenticator struct {
	secret     []byte
	ttl        time.Duration
	algorithms []string
	method     jwt.SigningMethod
}

// NewAuthenticator accepts only HMAC algorithms; the first one is used for signing.
func NewAuthenticator(secret string, ttl time.Duration, algorithms []string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if len(algorithms) == 0 {
		return nil, errors.New("at least one jwt algorithm is required")
	}
	for _, alg := range algorithms {
		if _, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unsupported jwt algorithm %q", alg)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret:     []byte(secret),
		ttl:        ttl,
		algorithms: append([]string(nil), algorithms...),
		method:     jwt.GetSigningMethod(algorithms[0]),
	}, nil
}

// GenerateToken generates a JWT token for an identity
func (a *Authenticator) GenerateToken(identity string) (string, error) {
	if identity == "" {
		return "", errors.New("identity is required")
	}
	now := time.Now()
	claims := IdentityClaims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(a.method, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a JWT token and returns the identity it is bound to.
// Every failure collapses to ErrUnauthorized.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods(a.algorithms), jwt.WithExpirationRequired())
	if err != nil {
		return "", ErrUnauthorized
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid || claims.Identity == "" || claims.Identity != claims.Subject {
		return "", ErrUnauthorized
	}
	return claims.Identity, nil
}

// TokenFromRequest extracts a bearer credential from the Authorization header or,
// for browser websocket handshakes that cannot set headers, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the request's bearer credential.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", ErrUnauthorized
	}
	return a.ValidateToken(token)
}

type contextKey struct{}

// WithIdentity binds an authenticated identity to ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFrom returns the identity bound by WithIdentity.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid bearer credential.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
