// Package protocol defines the websocket wire contract as two closed event sets,
// one per direction. Every frame is a JSON envelope {"event": name, "data": payload}.
package protocol

import (
	"time"

	"courier/pkg/types"
)

// Event names, client -> server.
const (
	EventSendMessage = "send_message"
	EventMarkSeen    = "mark_seen"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Event names, server -> client.
const (
	EventNewMessage       = "new_message"
	EventMessageSent      = "message_sent"
	EventMessageDelivered = "message_delivered"
	EventMessageSeen      = "message_seen"
	EventUserTyping       = "user_typing"
	EventUserStopTyping   = "user_stop_typing"
	EventUserStatus       = "user_status"
	EventError            = "error"
)

// Presence status values carried by UserStatus.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Event is anything that can travel in an envelope.
type Event interface {
	EventName() string
}

// ClientEvent is the closed set of events a client may send.
// The unexported marker method keeps the set closed to this package.
type ClientEvent interface {
	Event
	clientEvent()
}

// ServerEvent is the closed set of events the server may emit.
type ServerEvent interface {
	Event
	serverEvent()
}

type SendMessage struct {
	To      string `json:"to" validate:"required,identity"`
	Content string `json:"content"`
}

type MarkSeen struct {
	MessageID string `json:"messageId" validate:"required"`
}

type Typing struct {
	To string `json:"to" validate:"required,identity"`
}

type StopTyping struct {
	To string `json:"to" validate:"required,identity"`
}

func (SendMessage) EventName() string { return EventSendMessage }
func (MarkSeen) EventName() string    { return EventMarkSeen }
func (Typing) EventName() string      { return EventTyping }
func (StopTyping) EventName() string  { return EventStopTyping }

func (SendMessage) clientEvent() {}
func (MarkSeen) clientEvent()    {}
func (Typing) clientEvent()      {}
func (StopTyping) clientEvent()  {}

type NewMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageSent struct {
	ID        string             `json:"id"`
	To        string             `json:"to"`
	Content   string             `json:"content"`
	CreatedAt time.Time          `json:"created_at"`
	State     types.MessageState `json:"state"`
}

type MessageDelivered struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type MessageSeen struct {
	MessageID string    `json:"messageId"`
	SeenAt    time.Time `json:"seenAt"`
}

type UserTyping struct {
	From string `json:"from"`
}

type UserStopTyping struct {
	From string `json:"from"`
}

type UserStatus struct {
	IdentityID string `json:"identityId"`
	Status     string `json:"status"`
}

type Error struct {
	Message string `json:"message"`
}

func (NewMessage) EventName() string       { return EventNewMessage }
func (MessageSent) EventName() string      { return EventMessageSent }
func (MessageDelivered) EventName() string { return EventMessageDelivered }
func (MessageSeen) EventName() string      { return EventMessageSeen }
func (UserTyping) EventName() string       { return EventUserTyping }
func (UserStopTyping) EventName() string   { return EventUserStopTyping }
func (UserStatus) EventName() string       { return EventUserStatus }
func (Error) EventName() string            { return EventError }

func (NewMessage) serverEvent()       {}
func (MessageSent) serverEvent()      {}
func (MessageDelivered) serverEvent() {}
func (MessageSeen) serverEvent()      {}
func (UserTyping) serverEvent()       {}
func (UserStopTyping) serverEvent()   {}
func (UserStatus) serverEvent()       {}
func (Error) serverEvent()            {}

// NewMessageFrom builds the receiver-side notification for a stored message.
func NewMessageFrom(m *types.Message) NewMessage {
	return NewMessage{ID: m.ID, From: m.SenderID, Content: m.Content, CreatedAt: m.CreatedAt}
}

// MessageSentFrom builds the sender-side acknowledgement for a stored message.
func MessageSentFrom(m *types.Message) MessageSent {
	return MessageSent{ID: m.ID, To: m.ReceiverID, Content: m.Content, CreatedAt: m.CreatedAt, State: m.State}
}

// ErrorFrom converts err into the client-safe error event.
func ErrorFrom(err error) Error {
	return Error{Message: types.ClientMessage(err)}
}
