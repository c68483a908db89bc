package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims expected by the estop API. The account claim
// carries the caller's account id; role membership is decided downstream by
// the brake, not by the token.
type Claims struct {
	jwt.RegisteredClaims
	Account string `json:"account"`
}

// AccountID parses the account claim.
func (c *Claims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.Account)
}

// Validator validates bearer tokens signed with a shared HMAC secret.
type Validator struct {
	secret []byte
}

// NewValidator creates a validator. An empty secret is refused so a
// misconfigured deployment cannot silently accept forged tokens.
func NewValidator(secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &Validator{secret: secret}, nil
}

// Validate parses and validates a JWT token string.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Mint signs a token for the given account. Used by operator tooling and tests.
func Mint(secret []byte, account uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Account: account.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
