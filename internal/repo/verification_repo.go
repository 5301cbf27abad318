package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/signalix/keyserver/internal/errs"
	"github.com/signalix/keyserver/internal/model"
)

// VerificationRepo defines the interface for pending verification code operations
type VerificationRepo interface {
	// Upsert writes rec keyed by phone number, replacing an existing row only when that row
	// was issued at or before reissueAfter or has already expired. It reports whether rec was stored.
	Upsert(ctx context.Context, rec model.VerificationCode, reissueAfter time.Time) (bool, error)
	Get(ctx context.Context, phone string) (model.VerificationCode, error)
	// GetForUpdate is Get holding a row lock until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, phone string) (model.VerificationCode, error)
	IncrementAttempt(ctx context.Context, phone string) (int, error)
	Delete(ctx context.Context, phone string) error
	// DeleteIssued removes the pending code only while it still carries codeHash,
	// leaving a newer code for the same phone in place.
	DeleteIssued(ctx context.Context, phone, codeHash string) error
}

type verificationRepo struct {
	q Querier
}

const selectCode = `
		SELECT phone_number, code_hash, issued_at, expires_at, attempt_count
		FROM verification_codes
		WHERE phone_number = $1
	`

// Upsert is a single statement, so the rate-limit check and the write cannot interleave
// with a concurrent request for the same phone.
func (r *verificationRepo) Upsert(ctx context.Context, rec model.VerificationCode, reissueAfter time.Time) (bool, error) {
	query := `
		INSERT INTO verification_codes (phone_number, code_hash, issued_at, expires_at, attempt_count)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (phone_number) DO UPDATE
		SET code_hash = EXCLUDED.code_hash,
		    issued_at = EXCLUDED.issued_at,
		    expires_at = EXCLUDED.expires_at,
		    attempt_count = 0
		WHERE verification_codes.issued_at <= $5
		   OR verification_codes.expires_at <= EXCLUDED.issued_at
	`
	tag, err := r.q.Exec(ctx, query, rec.PhoneNumber, rec.CodeHash, rec.IssuedAt, rec.ExpiresAt, reissueAfter)
	if err != nil {
		return false, fmt.Errorf("upsert verification code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the pending code for the phone
func (r *verificationRepo) Get(ctx context.Context, phone string) (model.VerificationCode, error) {
	return r.get(ctx, selectCode, phone)
}

// GetForUpdate returns the pending code and locks its row
func (r *verificationRepo) GetForUpdate(ctx context.Context, phone string) (model.VerificationCode, error) {
	return r.get(ctx, selectCode+`FOR UPDATE`, phone)
}

func (r *verificationRepo) get(ctx context.Context, query, phone string) (model.VerificationCode, error) {
	var rec model.VerificationCode
	err := r.q.QueryRow(ctx, query, phone).Scan(
		&rec.PhoneNumber,
		&rec.CodeHash,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.AttemptCount,
	)
	if err != nil {
		return model.VerificationCode{}, notFound(err, "get verification code")
	}
	return rec, nil
}

// IncrementAttempt sets attempt_count = attempt_count + 1; returns the new attempt_count.
func (r *verificationRepo) IncrementAttempt(ctx context.Context, phone string) (int, error) {
	var newCount int
	err := r.q.QueryRow(ctx, `
		UPDATE verification_codes
		SET attempt_count = attempt_count + 1
		WHERE phone_number = $1
		RETURNING attempt_count
	`, phone).Scan(&newCount)
	if err != nil {
		return 0, notFound(err, "increment attempt")
	}
	return newCount, nil
}

// Delete removes the pending code for the phone
func (r *verificationRepo) Delete(ctx context.Context, phone string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM verification_codes WHERE phone_number = $1`, phone)
	if err != nil {
		return fmt.Errorf("delete verification code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete verification code: %w", errs.ErrNotFound)
	}
	return nil
}

// DeleteIssued removes the pending code for the phone if it is still the one with codeHash
func (r *verificationRepo) DeleteIssued(ctx context.Context, phone, codeHash string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM verification_codes WHERE phone_number = $1 AND code_hash = $2`, phone, codeHash)
	if err != nil {
		return fmt.Errorf("delete issued verification code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete issued verification code: %w", errs.ErrNotFound)
	}
	return nil
}
