// Package auth verifies signed access tokens and resolves them to chat
// identities.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors returned by Verifier.
var (
	ErrMissingToken = errors.New("access token is required")
	ErrInvalidToken = errors.New("access token is invalid")
	ErrExpiredToken = errors.New("access token is expired")
)

// Claims are the validated contents of an access token.
type Claims struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Verifier checks HS256 access tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier for tokens signed with secret. A non-empty
// issuer must match the token's iss claim.
//
// Precondition: secret must be non-empty.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses token and validates its signature and claims.
//
// Postcondition: Returns Claims with a non-empty UserID, or one of
// ErrMissingToken, ErrInvalidToken, ErrExpiredToken.
func (v *Verifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if parsed.Subject == "" {
		return Claims{}, fmt.Errorf("%w: sub is required", ErrInvalidToken)
	}

	return Claims{
		UserID:      parsed.Subject,
		DisplayName: parsed.Name,
		ExpiresAt:   parsed.ExpiresAt.Time.UTC(),
	}, nil
}

// Issue signs a token for userID that expires after ttl.
//
// Precondition: userID must be non-empty and ttl positive.
func (v *Verifier) Issue(userID, displayName string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: displayName,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}
