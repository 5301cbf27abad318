package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/middleware"
	"github.com/signalix/keyserver/internal/repo"
	"go.uber.org/zap"
)

const (
	defaultMessageLimit = 10
	maxMessageLimit     = 100
)

// MessagesHandler serves stored message envelopes to their recipient
type MessagesHandler struct {
	messages repo.MessageRepo
	log      *zap.Logger
}

// NewMessagesHandler creates a new messages handler
func NewMessagesHandler(messages repo.MessageRepo, log *zap.Logger) *MessagesHandler {
	return &MessagesHandler{messages: messages, log: log}
}

type messageResponse struct {
	ID              int64      `json:"id"`
	SenderUserID    *uuid.UUID `json:"sender_user_id"`
	SenderDeviceID  *uuid.UUID `json:"sender_device_id"`
	Ciphertext      []byte     `json:"ciphertext"`
	MessageType     int16      `json:"message_type"`
	ProtocolVersion int16      `json:"protocol_version"`
	DeliveredAt     *time.Time `json:"delivered_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

type messagesResponse struct {
	Data       []messageResponse `json:"data"`
	NextBefore *int64            `json:"next_before"`
}

// HandleList handles GET /v1/messages?limit=&before=
func (h *MessagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxMessageLimit {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "before must be a positive message id")
			return
		}
		before = n
	}

	msgs, err := h.messages.ListForDevice(r.Context(), id.UserID, id.DeviceID, before, limit)
	if err != nil {
		respondWithServiceError(w, h.log, err)
		return
	}

	resp := messagesResponse{Data: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Data = append(resp.Data, messageResponse{
			ID:              m.ID,
			SenderUserID:    m.SenderUserID,
			SenderDeviceID:  m.SenderDeviceID,
			Ciphertext:      m.Ciphertext,
			MessageType:     m.MessageType,
			ProtocolVersion: m.ProtocolVersion,
			DeliveredAt:     m.DeliveredAt,
			CreatedAt:       m.CreatedAt,
		})
	}
	if len(msgs) == limit {
		next := msgs[len(msgs)-1].ID
		resp.NextBefore = &next
	}
	respondWithJSON(w, http.StatusOK, resp)
}
