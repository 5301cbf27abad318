package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/keys"
	"github.com/signalix/keyserver/internal/middleware"
	"go.uber.org/zap"
)

// KeysHandler handles key bundle and device endpoints
type KeysHandler struct {
	keys *keys.Service
	log  *zap.Logger
}

// NewKeysHandler creates a new keys handler
func NewKeysHandler(keyService *keys.Service, log *zap.Logger) *KeysHandler {
	return &KeysHandler{keys: keyService, log: log}
}

// uploadKeysRequest is the request body for POST /v1/keys
type uploadKeysRequest struct {
	IdentityKeyPub        string   `json:"identity_key_pub"`
	SignedPrekeyPub       string   `json:"signed_prekey_pub"`
	SignedPrekeySignature string   `json:"signed_prekey_signature"`
	OneTimePrekeys        []string `json:"one_time_prekeys"`
	DeviceName            string   `json:"device_name"`
	PushToken             string   `json:"push_token"`
}

type uploadKeysResponse struct {
	Success   bool      `json:"success"`
	DeviceID  uuid.UUID `json:"device_id"`
	AuthToken string    `json:"auth_token"`
}

// addPrekeysRequest is the request body for POST /v1/keys/prekeys
type addPrekeysRequest struct {
	OneTimePrekeys []string `json:"one_time_prekeys"`
}

type oneTimePrekeyResponse struct {
	ID        int64  `json:"id"`
	PrekeyPub string `json:"prekey_pub"`
}

type bundleResponse struct {
	UserID                uuid.UUID              `json:"user_id"`
	DeviceID              uuid.UUID              `json:"device_id"`
	IdentityKeyPub        string                 `json:"identity_key_pub"`
	SignedPrekeyPub       string                 `json:"signed_prekey_pub"`
	SignedPrekeySignature string                 `json:"signed_prekey_signature"`
	OneTimePrekey         *oneTimePrekeyResponse `json:"one_time_prekey"`
}

type deviceResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// HandleUpload handles POST /v1/keys
func (h *KeysHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req uploadKeysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.keys.UploadBundle(r.Context(), id, keys.Upload{
		IdentityKeyPub:        req.IdentityKeyPub,
		SignedPrekeyPub:       req.SignedPrekeyPub,
		SignedPrekeySignature: req.SignedPrekeySignature,
		OneTimePrekeys:        req.OneTimePrekeys,
		DeviceName:            req.DeviceName,
		PushToken:             req.PushToken,
	})
	if err != nil {
		respondWithServiceError(w, h.log, err)
		return
	}

	respondWithJSON(w, http.StatusOK, uploadKeysResponse{
		Success:   true,
		DeviceID:  res.DeviceID,
		AuthToken: res.Token,
	})
}

// HandleAddPrekeys handles POST /v1/keys/prekeys
func (h *KeysHandler) HandleAddPrekeys(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req addPrekeysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	available, err := h.keys.AddPrekeys(r.Context(), id, req.OneTimePrekeys)
	if err != nil {
		respondWithServiceError(w, h.log, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "available": available})
}

// HandlePrekeyCount handles GET /v1/keys/prekeys/count
func (h *KeysHandler) HandlePrekeyCount(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	available, err := h.keys.AvailablePrekeys(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, h.log, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]int{"available": available})
}

// HandleListDevices handles GET /v1/devices
func (h *KeysHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	devices, err := h.keys.ListDevices(r.Context(), id.UserID)
	if err != nil {
		respondWithServiceError(w, h.log, err)
		return
	}

	data := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		data = append(data, deviceResponse{ID: d.ID, Name: d.Name})
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"data": data})
}

// HandleBundle handles GET /v1/devices/{deviceID}/bundle. Each call consumes one one-time prekey.
func (h *KeysHandler) HandleBundle(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid device id")
		return
	}

	b, err := h.keys.FetchBundle(r.Context(), deviceID)
	if err != nil {
		respondWithServiceError(w, h.log, err)
		return
	}

	enc := base64.StdEncoding
	resp := bundleResponse{
		UserID:                b.UserID,
		DeviceID:              b.DeviceID,
		IdentityKeyPub:        enc.EncodeToString(b.IdentityKeyPub),
		SignedPrekeyPub:       enc.EncodeToString(b.SignedPrekeyPub),
		SignedPrekeySignature: enc.EncodeToString(b.SignedPrekeySignature),
	}
	if b.OneTimePrekey != nil {
		resp.OneTimePrekey = &oneTimePrekeyResponse{
			ID:        b.OneTimePrekey.ID,
			PrekeyPub: enc.EncodeToString(b.OneTimePrekey.PrekeyPub),
		}
	}
	respondWithJSON(w, http.StatusOK, resp)
}
