// Package overlay issues and verifies the signed tokens overlay pages use to
// subscribe to a telemetry session without exposing the telemetry token.
package overlay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid overlay token")

type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether a signing secret is configured.
func (s *Signer) Enabled() bool { return len(s.secret) > 0 }

// Sign returns an HS256 token whose subject is the telemetry token.
func (s *Signer) Sign(telemetryToken string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("overlay signing secret not configured")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:  telemetryToken,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign overlay token: %w", err)
	}
	return signed, nil
}

// Verify checks raw and returns the telemetry token it grants access to.
func (s *Signer) Verify(raw string) (string, error) {
	if !s.Enabled() {
		return "", ErrInvalidToken
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
