// Package signal defines the wire unit exchanged between two call
// participants through the relay and the durable log.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of a signaling message.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeEndCall   Type = "end-call"
	TypeInvite    Type = "invite"
)

// Message is one signaling message. The same shape travels over the
// ephemeral broadcast channel and is stored in the durable log; ID is
// globally unique and used for idempotent de-duplication on the receiver.
type Message struct {
	ID         string          `json:"id" db:"id"`
	RoomID     string          `json:"roomId" db:"room_id"`
	SenderID   string          `json:"senderId" db:"sender_id"`
	ReceiverID string          `json:"receiverId" db:"receiver_id"`
	Type       Type            `json:"type" db:"type"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
}

// New builds a message addressed from sender to receiver with a fresh ID.
// payload is marshalled to JSON; pass nil for messages without a body.
func New(roomID, senderID, receiverID string, t Type, payload any) (Message, error) {
	body := json.RawMessage("{}")

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal payload: %w", err)
		}
		body = raw
	}

	return Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       t,
		Payload:    body,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the message payload into v.
func (m Message) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// RoomID derives the shared room identifier for two participants. The
// result is order-independent, so both sides compute the same value
// without coordination.
func RoomID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "-" + b
}

// Topic is the broadcast topic carrying all signaling for one room.
func Topic(roomID string) string {
	return "call:" + roomID
}

// InviteTopic is the per-user topic carrying call invitations.
func InviteTopic(userID string) string {
	return "call:invite:" + userID
}
