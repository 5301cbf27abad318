package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultUserName is the display name given to users created on first confirmation
const DefaultUserName = "New user"

// User represents a user in the system
type User struct {
	ID          uuid.UUID
	Name        string
	PhoneNumber string
	AvatarHash  *string
	LastSeen    *time.Time
	CreatedAt   time.Time
}

// VerificationCode is the pending one-time code for a phone number.
// There is at most one row per phone number.
type VerificationCode struct {
	PhoneNumber  string
	CodeHash     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AttemptCount int
}

// Device represents a device of a user together with its published key bundle
type Device struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Name                  string
	CreatedAt             time.Time
	LastSeen              *time.Time
	IsRevoked             bool
	IdentityKeyPub        []byte
	SignedPrekeyPub       []byte
	SignedPrekeySignature []byte
	PushToken             *string
}

// OneTimePrekey is a single-use public prekey of a device
type OneTimePrekey struct {
	ID         int64
	DeviceID   uuid.UUID
	PrekeyPub  []byte
	IsConsumed bool
	CreatedAt  time.Time
}

// Message is an encrypted envelope addressed to a user (and optionally one device)
type Message struct {
	ID                int64
	SenderUserID      *uuid.UUID
	SenderDeviceID    *uuid.UUID
	RecipientUserID   *uuid.UUID
	RecipientDeviceID *uuid.UUID
	Ciphertext        []byte
	MessageType       int16
	ProtocolVersion   int16
	DeliveredAt       *time.Time
	CreatedAt         time.Time
}
