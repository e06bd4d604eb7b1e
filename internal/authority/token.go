package authority

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSigner signs and verifies device scoped JWT tokens.
type TokenSigner struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenSigner builds a signer using the provided secret.
func NewTokenSigner(secretKey string) (*TokenSigner, error) {
	if secretKey == "" {
		return nil, errors.New("token secret is empty")
	}
	return &TokenSigner{
		secretKey: []byte(secretKey),
		ttl:       time.Hour,
		now:       time.Now,
	}, nil
}

// WithTTL allows customising the expiration duration.
func (s *TokenSigner) WithTTL(ttl time.Duration) *TokenSigner {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// Sign issues a JWT for the provided device identifier.
func (s *TokenSigner) Sign(deviceID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"device_id": deviceID,
		"exp":       now.Add(s.ttl).Unix(),
		"iat":       now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the JWT and extracts the device identifier.
func (s *TokenSigner) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	deviceID, ok := claims["device_id"].(string)
	if !ok || deviceID == "" {
		return "", errors.New("invalid device_id claim")
	}
	return deviceID, nil
}
