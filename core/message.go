package core

import (
	"time"

	"github.com/google/uuid"
)

// Message is the envelope exchanged between workers through the router.
// After creation a message is immutable; it is owned by the recipient's
// queue until delivered or expired.
//
// To is empty and Broadcast true for space-wide broadcasts. ReplyTo carries
// the id of the message being answered so blocking callers can correlate
// responses.
type Message struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               string         `json:"to,omitempty"`
	Broadcast        bool           `json:"broadcast,omitempty"`
	SpaceID          string         `json:"space_id,omitempty"`
	Payload          map[string]any `json:"payload"`
	RequiresResponse bool           `json:"requires_response"`
	ReplyTo          string         `json:"reply_to,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// NewMessage creates a point-to-point message from one worker to another.
func NewMessage(from, to string, payload map[string]any, requiresResponse bool) Message {
	return Message{
		ID:               NewID(),
		From:             from,
		To:               to,
		Payload:          payload,
		RequiresResponse: requiresResponse,
		CreatedAt:        time.Now().UTC(),
	}
}

// NewBroadcast creates a space-scoped broadcast message. The router fans it
// out to every participant except the sender.
func NewBroadcast(from, spaceID string, payload map[string]any) Message {
	return Message{
		ID:        NewID(),
		From:      from,
		Broadcast: true,
		SpaceID:   spaceID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// NewResponse creates a reply correlated to a previously received message.
func NewResponse(from string, to Message, payload map[string]any) Message {
	m := NewMessage(from, to.From, payload, false)
	m.ReplyTo = to.ID
	m.SpaceID = to.SpaceID
	return m
}

// NewID generates a new unique identifier.
//
// This function creates a UUID-based unique identifier that can be used
// for messages, workers, spaces and version records throughout the framework.
//
// Returns a string representation of a new UUID.
func NewID() string { return uuid.NewString() }
