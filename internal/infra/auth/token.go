// Package auth issues and verifies the bearer tokens the document-store server accepts.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/livequery/errs"
)

const (
	storeLabel = "auth"
	// Issuer is the iss claim on every token.
	Issuer = "livequery-docstore"
	// Wildcard grants read access to every collection.
	Wildcard = "*"
	// DefaultTTL is the token lifetime when none is requested.
	DefaultTTL = time.Hour
)

// Claims describe what the bearer may touch.
type Claims struct {
	Subject     string
	Collections []string
	Admin       bool
	ExpiresAt   time.Time
}

// CanRead reports whether the claims cover collection.
func (c Claims) CanRead(collection string) bool {
	return c.Admin || slices.Contains(c.Collections, Wildcard) || slices.Contains(c.Collections, collection)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Collections []string `json:"collections,omitempty"`
	Admin       bool     `json:"admin,omitempty"`
}

// Authority signs and verifies HS256 tokens with a shared secret.
type Authority struct {
	secret []byte
	now    func() time.Time
}

// NewAuthority returns an Authority for secret. A nil now uses time.Now.
func NewAuthority(secret string, now func() time.Time) (*Authority, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: secret required")
	}
	if now == nil {
		now = time.Now
	}
	return &Authority{secret: []byte(secret), now: now}, nil
}

// Issue signs a token for claims. A zero ttl uses DefaultTTL.
func (a *Authority) Issue(subject string, collections []string, admin bool, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := a.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   strings.TrimSpace(subject),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Collections: collections,
		Admin:       admin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns its claims. Every failure is unauthenticated.
func (a *Authority) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, errs.New(storeLabel, errs.CodeUnauthenticated, errs.WithMessage("missing bearer token"))
	}
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	return Claims{
		Subject:     parsed.Subject,
		Collections: parsed.Collections,
		Admin:       parsed.Admin,
		ExpiresAt:   parsed.ExpiresAt.Time.UTC(),
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func mapJWTError(err error) error {
	message := "token is invalid"
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		message = "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		message = "token signature is invalid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		message = "token is malformed"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		message = "token issuer mismatch"
	}
	return errs.New(storeLabel, errs.CodeUnauthenticated, errs.WithMessage(message), errs.WithCause(err))
}
