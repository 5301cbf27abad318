package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/auth"
	"github.com/signalix/keyserver/internal/sms"
	"go.uber.org/zap"
)

// RegisterHandler handles phone registration endpoints
type RegisterHandler struct {
	auth *auth.Service
	log  *zap.Logger
}

// NewRegisterHandler creates a new registration handler
func NewRegisterHandler(authService *auth.Service, log *zap.Logger) *RegisterHandler {
	return &RegisterHandler{auth: authService, log: log}
}

// registerRequest is the request body for POST /v1/register
type registerRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type registerResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expires_at"`
	DevOTP    string    `json:"dev_otp,omitempty"`
}

// confirmRequest is the request body for POST /v1/register/confirm
type confirmRequest struct {
	PhoneNumber string `json:"phone_number"`
	OTP         string `json:"otp"`
}

type confirmResponse struct {
	Success   bool      `json:"success"`
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	AuthToken string    `json:"auth_token"`
}

// HandleRegister handles POST /v1/register
func (h *RegisterHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	issued, err := h.auth.Register(r.Context(), req.PhoneNumber)
	if err != nil {
		h.log.Info("register rejected", zap.String("phone", sms.MaskPhone(req.PhoneNumber)), zap.Error(err))
		respondWithServiceError(w, h.log, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, registerResponse{
		Success:   true,
		ExpiresAt: issued.ExpiresAt.UTC(),
		DevOTP:    issued.DevCode,
	})
}

// HandleConfirm handles POST /v1/register/confirm
func (h *RegisterHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := h.auth.Confirm(r.Context(), req.PhoneNumber, req.OTP)
	if err != nil {
		h.log.Info("confirm rejected", zap.String("phone", sms.MaskPhone(req.PhoneNumber)), zap.Error(err))
		respondWithServiceError(w, h.log, err)
		return
	}

	respondWithJSON(w, http.StatusOK, confirmResponse{
		Success:   true,
		UserID:    sess.UserID,
		DeviceID:  sess.DeviceID,
		AuthToken: sess.Token,
	})
}
