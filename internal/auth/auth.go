// Package auth verifies externally issued HS256 bearer tokens and carries
// the resulting identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken is returned for tokens that fail parsing or verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload issued by the account service.
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	IsStaff  bool     `json:"is_staff,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	Username string
	Admin    bool
}

// Verifier validates tokens against a shared secret.
type Verifier struct {
	secret    []byte
	adminRole string
	now       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the clock used for expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier. Callers holding adminRole, or flagged as
// staff, are admins.
func NewVerifier(secret []byte, adminRole string, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	v := &Verifier{
		secret:    secret,
		adminRole: adminRole,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses token and returns the caller's identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	// Time-based claims are checked below against the verifier's clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	now := v.now()
	if !claims.VerifyExpiresAt(now, false) {
		return Identity{}, fmt.Errorf("%w: token is expired", ErrInvalidToken)
	}
	if !claims.VerifyNotBefore(now, false) {
		return Identity{}, fmt.Errorf("%w: token is not valid yet", ErrInvalidToken)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	return Identity{
		UserID:   userID,
		Username: claims.Username,
		Admin:    claims.IsStaff || (v.adminRole != "" && claims.HasRole(v.adminRole)),
	}, nil
}

// Sign issues an HS256 token for claims. It exists for the CLI and tests;
// production tokens come from the account service.
func Sign(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

type identityKey struct{}

// ContextWithIdentity returns a context carrying id.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored in ctx, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
