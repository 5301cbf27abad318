// Package keys manages device key bundles and one-time prekeys.
package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/auth"
	"github.com/signalix/keyserver/internal/errs"
	"github.com/signalix/keyserver/internal/model"
	"github.com/signalix/keyserver/internal/repo"
	"go.uber.org/zap"
)

const (
	// MaxPrekeysPerRequest caps the one-time prekeys accepted by one call.
	MaxPrekeysPerRequest = 100
	defaultDeviceName    = "Unnamed device"
	maxDeviceNameLen     = 64
)

// TokenMinter mints session tokens for an identity
type TokenMinter interface {
	Mint(userID, deviceID uuid.UUID, ttl time.Duration) (string, time.Time, error)
}

// Upload is a key bundle as sent by a device, all key material base64 (standard) encoded
type Upload struct {
	IdentityKeyPub        string
	SignedPrekeyPub       string
	SignedPrekeySignature string
	OneTimePrekeys        []string
	DeviceName            string
	PushToken             string
}

// Result is returned by a successful bundle upload
type Result struct {
	DeviceID  uuid.UUID
	Token     string
	ExpiresAt time.Time
}

// Bundle is the public key material a peer needs to start a session with a device
type Bundle struct {
	UserID                uuid.UUID
	DeviceID              uuid.UUID
	IdentityKeyPub        []byte
	SignedPrekeyPub       []byte
	SignedPrekeySignature []byte
	// OneTimePrekey is nil when the device has run out.
	OneTimePrekey *model.OneTimePrekey
}

// Service implements the device key-bundle lifecycle
type Service struct {
	store    repo.Store
	tokens   TokenMinter
	tokenTTL time.Duration
	log      *zap.Logger
}

// NewService creates a new key service. tokenTTL <= 0 falls back to auth.DeviceTokenTTL.
func NewService(store repo.Store, tokens TokenMinter, tokenTTL time.Duration, log *zap.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = auth.DeviceTokenTTL
	}
	return &Service{
		store:    store,
		tokens:   tokens,
		tokenTTL: tokenTTL,
		log:      log,
	}
}

// UploadBundle materializes the caller's device with its keys and prekeys, exactly once.
// The device row and all prekeys are written in one transaction. A second upload for
// the same device id fails with errs.ErrAlreadyExists. On success a rotated token is minted.
func (s *Service) UploadBundle(ctx context.Context, id auth.Identity, up Upload) (Result, error) {
	identityKey, err := decodeKey("identity_key_pub", up.IdentityKeyPub)
	if err != nil {
		return Result{}, err
	}
	signedPrekey, err := decodeKey("signed_prekey_pub", up.SignedPrekeyPub)
	if err != nil {
		return Result{}, err
	}
	signature, err := decodeKey("signed_prekey_signature", up.SignedPrekeySignature)
	if err != nil {
		return Result{}, err
	}
	prekeys, err := decodePrekeys(up.OneTimePrekeys)
	if err != nil {
		return Result{}, err
	}

	device := model.Device{
		ID:                    id.DeviceID,
		UserID:                id.UserID,
		Name:                  deviceName(up.DeviceName),
		IdentityKeyPub:        identityKey,
		SignedPrekeyPub:       signedPrekey,
		SignedPrekeySignature: signature,
	}
	if token := strings.TrimSpace(up.PushToken); token != "" {
		device.PushToken = &token
	}

	err = s.store.WithTx(ctx, func(tx repo.Store) error {
		if _, err := tx.Devices().Insert(ctx, device); err != nil {
			return err
		}
		_, err := tx.Devices().InsertPrekeys(ctx, device.ID, prekeys)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload bundle: %w", err)
	}

	token, expiresAt, err := s.tokens.Mint(id.UserID, id.DeviceID, s.tokenTTL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to generate token: %w", err)
	}

	s.log.Info("key bundle uploaded",
		zap.String("user_id", id.UserID.String()),
		zap.String("device_id", id.DeviceID.String()),
		zap.Int("prekeys", len(prekeys)),
	)

	return Result{DeviceID: id.DeviceID, Token: token, ExpiresAt: expiresAt}, nil
}

// ConsumeOneTimePrekey hands out one unconsumed prekey of the device.
// The boolean is false when none are left. Concurrent callers never receive the same prekey.
func (s *Service) ConsumeOneTimePrekey(ctx context.Context, deviceID uuid.UUID) (model.OneTimePrekey, bool, error) {
	pk, err := s.store.Devices().ConsumeOneTimePrekey(ctx, deviceID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.OneTimePrekey{}, false, nil
	}
	if err != nil {
		return model.OneTimePrekey{}, false, err
	}
	return pk, true, nil
}

// FetchBundle returns the device's public keys together with one consumed prekey, if any.
// Unknown and revoked devices are reported as errs.ErrNotFound.
func (s *Service) FetchBundle(ctx context.Context, deviceID uuid.UUID) (Bundle, error) {
	device, err := s.store.Devices().GetByID(ctx, deviceID)
	if err != nil {
		return Bundle{}, err
	}
	if device.IsRevoked {
		return Bundle{}, fmt.Errorf("device %s revoked: %w", deviceID, errs.ErrNotFound)
	}

	bundle := Bundle{
		UserID:                device.UserID,
		DeviceID:              device.ID,
		IdentityKeyPub:        device.IdentityKeyPub,
		SignedPrekeyPub:       device.SignedPrekeyPub,
		SignedPrekeySignature: device.SignedPrekeySignature,
	}

	pk, ok, err := s.ConsumeOneTimePrekey(ctx, deviceID)
	if err != nil {
		return Bundle{}, err
	}
	if ok {
		bundle.OneTimePrekey = &pk
	} else {
		s.log.Warn("device out of one-time prekeys", zap.String("device_id", deviceID.String()))
	}
	return bundle, nil
}

// AddPrekeys stores more one-time prekeys for the caller's own device and returns how many are available.
func (s *Service) AddPrekeys(ctx context.Context, id auth.Identity, encoded []string) (int, error) {
	prekeys, err := decodePrekeys(encoded)
	if err != nil {
		return 0, err
	}
	if len(prekeys) == 0 {
		return 0, fmt.Errorf("no prekeys: %w", errs.ErrInvalidKeyEncoding)
	}

	var available int
	err = s.store.WithTx(ctx, func(tx repo.Store) error {
		device, err := tx.Devices().GetByID(ctx, id.DeviceID)
		if err != nil {
			return err
		}
		if device.UserID != id.UserID {
			return fmt.Errorf("device %s: %w", id.DeviceID, errs.ErrNotFound)
		}
		if device.IsRevoked {
			return fmt.Errorf("device %s revoked: %w", id.DeviceID, errs.ErrNotFound)
		}
		if _, err := tx.Devices().InsertPrekeys(ctx, id.DeviceID, prekeys); err != nil {
			return err
		}
		available, err = tx.Devices().CountAvailablePrekeys(ctx, id.DeviceID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("add prekeys: %w", err)
	}
	return available, nil
}

// AvailablePrekeys returns the number of unconsumed prekeys of the caller's device
func (s *Service) AvailablePrekeys(ctx context.Context, id auth.Identity) (int, error) {
	return s.store.Devices().CountAvailablePrekeys(ctx, id.DeviceID)
}

// ListDevices returns the devices bound to the user
func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	return s.store.Devices().ListByUser(ctx, userID)
}

func decodeKey(field, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is empty: %w", field, errs.ErrInvalidKeyEncoding)
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%s: %w", field, errs.ErrInvalidKeyEncoding)
	}
	return b, nil
}

func decodePrekeys(encoded []string) ([][]byte, error) {
	if len(encoded) > MaxPrekeysPerRequest {
		return nil, fmt.Errorf("%d one-time prekeys, at most %d allowed: %w",
			len(encoded), MaxPrekeysPerRequest, errs.ErrInvalidKeyEncoding)
	}
	out := make([][]byte, 0, len(encoded))
	for i, k := range encoded {
		b, err := decodeKey(fmt.Sprintf("one_time_prekeys[%d]", i), k)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func deviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultDeviceName
	}
	if r := []rune(name); len(r) > maxDeviceNameLen {
		name = string(r[:maxDeviceNameLen])
	}
	return name
}
