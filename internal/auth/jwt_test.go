package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedIssuer(secret string, now time.Time) *TokenIssuer {
	s := NewTokenIssuer(secret)
	s.now = func() time.Time { return now }
	return s
}

func TestTokenIssuer_MintValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedIssuer("test-secret", now)
	userID, deviceID := uuid.New(), uuid.New()

	token, exp, err := s.Mint(userID, deviceID, SessionTTL)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), exp)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, deviceID, claims.DeviceID)
	assert.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())
}

func TestTokenIssuer_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedIssuer("test-secret", now)
	token, _, err := s.Mint(uuid.New(), uuid.New(), time.Hour)
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	token, _, err := NewTokenIssuer("secret-a").Mint(uuid.New(), uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = NewTokenIssuer("secret-b").Validate(token)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestTokenIssuer_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{
		UserID:   uuid.New(),
		DeviceID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = NewTokenIssuer("test-secret").Validate(token)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewTokenIssuer("test-secret").Validate(none)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestTokenIssuer_RequiresExpiryAndIdentity(t *testing.T) {
	s := NewTokenIssuer("test-secret")

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: uuid.New(), DeviceID: uuid.New()}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = s.Validate(noExp)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	noDevice, _, err := s.Mint(uuid.New(), uuid.Nil, time.Hour)
	require.NoError(t, err)
	_, err = s.Validate(noDevice)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = s.Validate("not.a.token")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}
