package kv

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("kv: invalid or expired token")

// SignToken issues an HS256 token for secret. A zero expiry yields a token
// without an "exp" claim.
func SignToken(secret string, expiry time.Time) (string, error) {
	claims := jwt.MapClaims{}
	if !expiry.IsZero() {
		claims["exp"] = jwt.NewNumericDate(expiry)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("kv: signing token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks that token was signed with secret and, when it carries
// an expiry, that the expiry is after now.
func VerifyToken(token, secret string, now time.Time) error {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return ErrUnauthorized
	}
	return nil
}
