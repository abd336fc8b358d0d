// Package auth is the identity provider used by the connection gate and the
// history API. Tokens are HS256 JWTs whose subject names a row in the user
// directory.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrEmptySecret   = errors.New("jwt secret cannot be empty")
	ErrMissingUserID = errors.New("user id cannot be empty")
)

// Claims is the payload carried inside a courier token.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs tokens with a shared secret.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates a token issuer
func NewIssuer(secret, issuer string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// GenerateToken creates a signed JWT for userID valid for ttl.
func (i *Issuer) GenerateToken(userID, displayName string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrMissingUserID
	}

	now := i.now()
	claims := &Claims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
