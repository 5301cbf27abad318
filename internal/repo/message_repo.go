package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/model"
)

// MessageRepo defines the read operations on stored message envelopes
type MessageRepo interface {
	// ListForDevice returns up to limit messages for the recipient, newest first.
	// A positive before restricts the page to ids lower than it.
	ListForDevice(ctx context.Context, userID, deviceID uuid.UUID, before int64, limit int) ([]model.Message, error)
}

type messageRepo struct {
	q Querier
}

func (r *messageRepo) ListForDevice(ctx context.Context, userID, deviceID uuid.UUID, before int64, limit int) ([]model.Message, error) {
	query := `
		SELECT id, sender_user_id, sender_device_id, recipient_user_id, recipient_device_id,
		       ciphertext, message_type, protocol_version, delivered_at, created_at
		FROM messages
		WHERE recipient_user_id = $1
		  AND (recipient_device_id = $2 OR recipient_device_id IS NULL)
		  AND ($3::bigint = 0 OR id < $3::bigint)
		ORDER BY id DESC
		LIMIT $4
	`
	rows, err := r.q.Query(ctx, query, userID, deviceID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(
			&m.ID,
			&m.SenderUserID,
			&m.SenderDeviceID,
			&m.RecipientUserID,
			&m.RecipientDeviceID,
			&m.Ciphertext,
			&m.MessageType,
			&m.ProtocolVersion,
			&m.DeliveredAt,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}
