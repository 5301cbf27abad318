package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/signalix/keyserver/internal/errs"
	"github.com/signalix/keyserver/internal/model"
)

// DeviceRepo defines the interface for device and one-time prekey operations
type DeviceRepo interface {
	// Insert materializes a device row. A second insert for the same id fails with errs.ErrAlreadyExists.
	Insert(ctx context.Context, device model.Device) (model.Device, error)
	InsertPrekeys(ctx context.Context, deviceID uuid.UUID, prekeys [][]byte) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Device, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Device, error)
	// ConsumeOneTimePrekey marks one unconsumed prekey of the device as consumed and returns it.
	// It returns errs.ErrNotFound when the device has none left.
	ConsumeOneTimePrekey(ctx context.Context, deviceID uuid.UUID) (model.OneTimePrekey, error)
	CountAvailablePrekeys(ctx context.Context, deviceID uuid.UUID) (int, error)
}

type deviceRepo struct {
	q Querier
}

const selectDevice = `
		SELECT id, user_id, name, created_at, last_seen, is_revoked,
		       identity_key_pub, signed_prekey_pub, signed_prekey_signature, push_token
		FROM devices
	`

func scanDevice(row interface{ Scan(dest ...any) error }) (model.Device, error) {
	var d model.Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Name,
		&d.CreatedAt,
		&d.LastSeen,
		&d.IsRevoked,
		&d.IdentityKeyPub,
		&d.SignedPrekeyPub,
		&d.SignedPrekeySignature,
		&d.PushToken,
	)
	return d, err
}

// Insert creates the device row with is_revoked = false and created_at = now()
func (r *deviceRepo) Insert(ctx context.Context, device model.Device) (model.Device, error) {
	query := `
		INSERT INTO devices (id, user_id, name, created_at, is_revoked,
		                     identity_key_pub, signed_prekey_pub, signed_prekey_signature, push_token)
		VALUES ($1, $2, $3, now(), false, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`
	err := r.q.QueryRow(ctx, query,
		device.ID,
		device.UserID,
		device.Name,
		device.IdentityKeyPub,
		device.SignedPrekeyPub,
		device.SignedPrekeySignature,
		device.PushToken,
	).Scan(&device.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return model.Device{}, fmt.Errorf("insert device %s: %w", device.ID, errs.ErrAlreadyExists)
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("insert device: %w", err)
	}

	device.IsRevoked = false
	return device, nil
}

// InsertPrekeys stores all prekeys for the device in one statement
func (r *deviceRepo) InsertPrekeys(ctx context.Context, deviceID uuid.UUID, prekeys [][]byte) (int, error) {
	if len(prekeys) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO one_time_prekeys (device_id, prekey_pub, is_consumed, created_at)
		SELECT $1, k, false, now()
		FROM unnest($2::bytea[]) AS k
	`
	tag, err := r.q.Exec(ctx, query, deviceID, prekeys)
	if err != nil {
		return 0, fmt.Errorf("insert prekeys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetByID retrieves a device by ID
func (r *deviceRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Device, error) {
	d, err := scanDevice(r.q.QueryRow(ctx, selectDevice+`WHERE id = $1`, id))
	if err != nil {
		return model.Device{}, notFound(err, "get device")
	}
	return d, nil
}

// ListByUser returns the devices bound to the user, oldest first
func (r *deviceRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	rows, err := r.q.Query(ctx, selectDevice+`WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// ConsumeOneTimePrekey selects and consumes a prekey in one statement.
// SKIP LOCKED lets concurrent callers for the same device each take a different row.
func (r *deviceRepo) ConsumeOneTimePrekey(ctx context.Context, deviceID uuid.UUID) (model.OneTimePrekey, error) {
	query := `
		UPDATE one_time_prekeys
		SET is_consumed = true
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE device_id = $1 AND is_consumed = false
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, device_id, prekey_pub, is_consumed, created_at
	`
	var pk model.OneTimePrekey
	err := r.q.QueryRow(ctx, query, deviceID).Scan(
		&pk.ID,
		&pk.DeviceID,
		&pk.PrekeyPub,
		&pk.IsConsumed,
		&pk.CreatedAt,
	)
	if err != nil {
		return model.OneTimePrekey{}, notFound(err, "consume prekey")
	}
	return pk, nil
}

// CountAvailablePrekeys returns how many unconsumed prekeys the device has
func (r *deviceRepo) CountAvailablePrekeys(ctx context.Context, deviceID uuid.UUID) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys
		WHERE device_id = $1 AND is_consumed = false
	`, deviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count prekeys: %w", err)
	}
	return count, nil
}
