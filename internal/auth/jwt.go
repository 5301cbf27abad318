package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/errs"
)

const (
	// SessionTTL is the lifetime of the token minted at confirmation.
	SessionTTL = 24 * time.Hour
	// DeviceTokenTTL is the lifetime of the token rotated in on bundle upload.
	DeviceTokenTTL = 7 * 24 * time.Hour
)

// Claims represents the session token claims
type Claims struct {
	UserID   uuid.UUID `json:"sub"`
	DeviceID uuid.UUID `json:"device"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates HS256 session tokens
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates a new token issuer
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Mint creates a token binding the user and device, valid for ttl
func (s *TokenIssuer) Mint(userID, deviceID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate verifies signature, algorithm and expiry and returns the claims.
// Every failure is reported as errs.ErrUnauthorized.
func (s *TokenIssuer) Validate(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if !token.Valid || claims.UserID == uuid.Nil || claims.DeviceID == uuid.Nil {
		return Claims{}, errs.ErrUnauthorized
	}

	return claims, nil
}

// Identity is the authenticated user and device bound by a session token
type Identity struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
}

// Identity returns the user and device the claims are bound to
func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, DeviceID: c.DeviceID}
}
