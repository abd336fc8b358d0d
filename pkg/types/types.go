package types

import (
	"time"
)

// MessageState is the position of a private message in the delivery state machine.
// FUNCTIONAL DISCOVERY: States only ever move forward (SENT -> DELIVERED -> SEEN),
// and SENT -> SEEN is legal when the receiver was offline at send time
type MessageState string

const (
	StateSent      MessageState = "SENT"
	StateDelivered MessageState = "DELIVERED"
	StateSeen      MessageState = "SEEN"
)

// Rank orders states so stores can refuse regressions with a single comparison.
func (s MessageState) Rank() int {
	switch s {
	case StateSent:
		return 0
	case StateDelivered:
		return 1
	case StateSeen:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the three known states.
func (s MessageState) Valid() bool {
	return s.Rank() >= 0
}

// Principal is the verified identity attached to a connection after authentication.
// It is immutable for the lifetime of the connection.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Message is a private one-to-one message.
// ARCHITECTURAL DISCOVERY: ID and CreatedAt are assigned by the store on create,
// never by the client, so every notification carries server-issued values
type Message struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"sender_id"`
	ReceiverID  string       `json:"receiver_id"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"created_at"`
	State       MessageState `json:"state"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	SeenAt      *time.Time   `json:"seen_at,omitempty"`
}

// User is a row of the identity directory consulted by the identity provider.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Principal returns the connection-level identity for this user.
func (u *User) Principal() Principal {
	return Principal{ID: u.ID, DisplayName: u.DisplayName}
}
