// Package signing issues and verifies time-limited HMAC-signed playback URLs.
//
// A signed URL has the form <path>?expires=<unix-seconds>&sig=<hex>, where
// sig is HMAC-SHA256(secret, path + "." + expires). The query string is never
// part of the signed payload.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Query parameter names.
const (
	ParamExpires   = "expires"
	ParamSignature = "sig"
)

var (
	// ErrInvalidSignature is the class of every verification failure.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMissingSignature means expires or sig was absent.
	ErrMissingSignature = fmt.Errorf("%w: missing expires or sig", ErrInvalidSignature)

	// ErrMalformedSignature means expires was not an integer or sig was not hex.
	ErrMalformedSignature = fmt.Errorf("%w: malformed expires or sig", ErrInvalidSignature)

	// ErrExpired means the URL's expiry has passed.
	ErrExpired = fmt.Errorf("%w: expired", ErrInvalidSignature)

	// ErrMismatch means the signature does not match the path and expiry.
	ErrMismatch = fmt.Errorf("%w: mismatch", ErrInvalidSignature)

	// ErrEmptySecret is returned by NewSigner when no secret is configured.
	ErrEmptySecret = errors.New("signing secret must not be empty")
)

// SignedURL is a path with its expiry and signature. It is derived on demand
// and never persisted.
type SignedURL struct {
	Path      string
	ExpiresAt int64
	Signature string
}

// String renders the URL as <path>?expires=<unix>&sig=<hex>.
func (s SignedURL) String() string {
	q := url.Values{}
	q.Set(ParamExpires, strconv.FormatInt(s.ExpiresAt, 10))
	q.Set(ParamSignature, s.Signature)
	return s.Path + "?" + q.Encode()
}

// Signer signs and verifies paths with a process-wide secret.
// It is safe for concurrent use.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a Signer. The secret is copied.
func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	s := &Signer{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign returns a URL for path that expires ttl from now. A ttl of zero or
// less yields a URL that is already expired.
func (s *Signer) Sign(path string, ttl time.Duration) SignedURL {
	return s.SignUntil(path, s.now().Add(ttl).Unix())
}

// SignUntil signs path with an absolute expiry.
func (s *Signer) SignUntil(path string, expiresAt int64) SignedURL {
	return SignedURL{
		Path:      path,
		ExpiresAt: expiresAt,
		Signature: s.mac(path, expiresAt),
	}
}

// Verify reports whether sig is a live signature for path and expiresAt.
func (s *Signer) Verify(path string, expiresAt int64, sig string) bool {
	return s.check(path, expiresAt, sig) == nil
}

// VerifyQuery verifies the expires and sig parameters of q against path.
// Every returned error wraps ErrInvalidSignature.
func (s *Signer) VerifyQuery(path string, q url.Values) error {
	rawExpires, sig := q.Get(ParamExpires), q.Get(ParamSignature)
	if rawExpires == "" || sig == "" {
		return ErrMissingSignature
	}
	expiresAt, err := strconv.ParseInt(rawExpires, 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}
	if _, err := hex.DecodeString(sig); err != nil {
		return ErrMalformedSignature
	}
	return s.check(path, expiresAt, sig)
}

func (s *Signer) check(path string, expiresAt int64, sig string) error {
	if s.now().Unix() >= expiresAt {
		return ErrExpired
	}
	expected := s.mac(path, expiresAt)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrMismatch
	}
	return nil
}

func (s *Signer) mac(path string, expiresAt int64) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(path + "." + strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
