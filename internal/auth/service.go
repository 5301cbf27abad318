package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is the result of a confirmed registration
type Session struct {
	UserID    uuid.UUID
	DeviceID  uuid.UUID
	Token     string
	ExpiresAt time.Time
}

// Service orchestrates registration: code issuance, confirmation and the first session token
type Service struct {
	otp        *OTPEngine
	tokens     *TokenIssuer
	sessionTTL time.Duration
	log        *zap.Logger
}

// NewService creates a new auth service. sessionTTL <= 0 falls back to SessionTTL.
func NewService(otp *OTPEngine, tokens *TokenIssuer, sessionTTL time.Duration, log *zap.Logger) *Service {
	if sessionTTL <= 0 {
		sessionTTL = SessionTTL
	}
	return &Service{
		otp:        otp,
		tokens:     tokens,
		sessionTTL: sessionTTL,
		log:        log,
	}
}

// Register issues a verification code for the phone
func (s *Service) Register(ctx context.Context, phone string) (Issued, error) {
	return s.otp.RequestCode(ctx, phone)
}

// Confirm verifies the code and mints a session token bound to the new device id
func (s *Service) Confirm(ctx context.Context, phone, code string) (Session, error) {
	conf, err := s.otp.ConfirmCode(ctx, phone, code)
	if err != nil {
		return Session{}, err
	}

	token, expiresAt, err := s.tokens.Mint(conf.UserID, conf.DeviceID, s.sessionTTL)
	if err != nil {
		return Session{}, fmt.Errorf("failed to generate token: %w", err)
	}

	s.log.Info("registration confirmed",
		zap.String("user_id", conf.UserID.String()),
		zap.String("device_id", conf.DeviceID.String()),
		zap.Bool("new_user", conf.Created),
	)

	return Session{
		UserID:    conf.UserID,
		DeviceID:  conf.DeviceID,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}
