package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/errs"
	"github.com/signalix/keyserver/internal/model"
	"github.com/signalix/keyserver/internal/repo"
	"github.com/signalix/keyserver/internal/sms"
	"go.uber.org/zap"
)

const (
	codeTTL         = 5 * time.Minute
	reissueInterval = 60 * time.Second
	maxAttempts     = 5
	minPhoneLen     = 8
	codeMin         = 100000
	codeMax         = 999999
)

// Issued describes a freshly issued verification code
type Issued struct {
	Phone     string
	ExpiresAt time.Time
	// DevCode is the plaintext code, set only in dev mode.
	DevCode string
}

// Confirmation carries the identifiers allocated by a successful confirmation
type Confirmation struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
	// Created reports whether the user row was created by this confirmation.
	Created bool
}

// OTPConfig configures the verification engine
type OTPConfig struct {
	DevMode bool
	Hash    HashParams
}

// OTPEngine issues and confirms phone verification codes
type OTPEngine struct {
	store  repo.Store
	sender sms.Sender
	log    *zap.Logger
	cfg    OTPConfig
	now    func() time.Time
}

// NewOTPEngine creates a new verification engine
func NewOTPEngine(store repo.Store, sender sms.Sender, log *zap.Logger, cfg OTPConfig) *OTPEngine {
	return &OTPEngine{
		store:  store,
		sender: sender,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// NormalizePhone strips whitespace and requires a leading + and at least 8 characters
func NormalizePhone(raw string) (string, error) {
	phone := strings.Join(strings.Fields(raw), "")
	if !strings.HasPrefix(phone, "+") || len(phone) < minPhoneLen {
		return "", errs.ErrInvalidPhone
	}
	return phone, nil
}

// RequestCode issues a new code for the phone unless one was issued less than a minute ago.
// The rejection is an *errs.RetryAfterError wrapping errs.ErrRateLimited.
func (e *OTPEngine) RequestCode(ctx context.Context, rawPhone string) (Issued, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return Issued{}, err
	}
	now := e.now()
	cutoff := now.Add(-reissueInterval)

	// Cheap pre-check so rejected requests skip the Argon2 cost. The upsert guard below is authoritative.
	if cur, err := e.store.Codes().Get(ctx, phone); err == nil {
		if rejected := e.rateLimited(cur, now); rejected != nil {
			return Issued{}, rejected
		}
	} else if !errors.Is(err, errs.ErrNotFound) {
		return Issued{}, fmt.Errorf("load code: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return Issued{}, err
	}
	hash, err := HashCode(code, e.cfg.Hash)
	if err != nil {
		return Issued{}, fmt.Errorf("hash code: %w", err)
	}

	rec := model.VerificationCode{
		PhoneNumber: phone,
		CodeHash:    hash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(codeTTL),
	}
	stored, err := e.store.Codes().Upsert(ctx, rec, cutoff)
	if err != nil {
		return Issued{}, fmt.Errorf("store code: %w", err)
	}
	if !stored {
		// A concurrent request won the race.
		return Issued{}, &errs.RetryAfterError{Err: errs.ErrRateLimited, After: reissueInterval}
	}

	if err := e.sender.SendCode(ctx, phone, code); err != nil {
		// Drop the undeliverable code so the client can ask again right away.
		// A newer code issued meanwhile carries a different hash and is kept.
		if delErr := e.store.Codes().DeleteIssued(ctx, phone, hash); delErr != nil && !errors.Is(delErr, errs.ErrNotFound) {
			e.log.Warn("drop undelivered code", zap.String("phone", sms.MaskPhone(phone)), zap.Error(delErr))
		}
		return Issued{}, fmt.Errorf("deliver code: %w", err)
	}

	e.log.Info("verification code issued", zap.String("phone", sms.MaskPhone(phone)))

	issued := Issued{Phone: phone, ExpiresAt: rec.ExpiresAt}
	if e.cfg.DevMode {
		issued.DevCode = code
	}
	return issued, nil
}

func (e *OTPEngine) rateLimited(cur model.VerificationCode, now time.Time) error {
	if !now.Before(cur.ExpiresAt) {
		return nil
	}
	wait := cur.IssuedAt.Add(reissueInterval).Sub(now)
	if wait <= 0 {
		return nil
	}
	if wait < time.Second {
		wait = time.Second
	}
	return &errs.RetryAfterError{Err: errs.ErrRateLimited, After: wait}
}

// ConfirmCode checks code against the pending record for phone inside one transaction.
// A wrong code increments the attempt counter and that increment is committed before
// errs.ErrBadCode is returned. On a match the user is looked up or created, the record
// is deleted and a new device id is allocated.
func (e *OTPEngine) ConfirmCode(ctx context.Context, rawPhone, code string) (Confirmation, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return Confirmation{}, err
	}

	var (
		out    Confirmation
		reject error
	)
	err = e.store.WithTx(ctx, func(tx repo.Store) error {
		rec, err := tx.Codes().GetForUpdate(ctx, phone)
		if errors.Is(err, errs.ErrNotFound) {
			reject = errs.ErrCodeNotFound
			return nil
		}
		if err != nil {
			return err
		}

		if e.now().After(rec.ExpiresAt) {
			reject = errs.ErrCodeNotFound
			return nil
		}
		if rec.AttemptCount >= maxAttempts {
			reject = errs.ErrLocked
			return nil
		}

		ok, err := VerifyCode(code, rec.CodeHash)
		if err != nil {
			return fmt.Errorf("verify code: %w", err)
		}
		if !ok {
			attempts, err := tx.Codes().IncrementAttempt(ctx, phone)
			if err != nil {
				return err
			}
			e.log.Info("wrong verification code",
				zap.String("phone", sms.MaskPhone(phone)),
				zap.Int("attempts", attempts),
			)
			reject = errs.ErrBadCode
			return nil
		}

		user, created, err := tx.Users().GetOrCreateByPhone(ctx, phone, model.DefaultUserName)
		if err != nil {
			return err
		}
		if err := tx.Codes().Delete(ctx, phone); err != nil {
			return err
		}

		out = Confirmation{UserID: user.ID, DeviceID: uuid.New(), Created: created}
		return nil
	})
	if err != nil {
		return Confirmation{}, fmt.Errorf("confirm code: %w", err)
	}
	if reject != nil {
		return Confirmation{}, reject
	}
	return out, nil
}

// generateCode returns a uniformly distributed six digit code
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}
