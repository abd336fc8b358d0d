package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"courier/pkg/types"
)

var (
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", types.ErrValidation)
	ErrUnknownEvent   = fmt.Errorf("%w: unknown event", types.ErrValidation)
)

// Envelope is the outer JSON object of every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// The identity tag reuses the identity format rules from the types package.
	if err := v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return types.IsValidIdentityID(fl.Field().String())
	}); err != nil {
		panic("protocol: validator initialization failed: " + err.Error())
	}
	return v
}

// Validate checks the struct-level constraints of a client event.
// Failures on a recipient field map to types.ErrInvalidIdentityID, a missing
// message id to types.ErrMissingMessageID.
func Validate(e ClientEvent) error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		switch fieldErrs[0].Field() {
		case "To":
			return types.ErrInvalidIdentityID
		case "MessageID":
			return types.ErrMissingMessageID
		}
	}
	return fmt.Errorf("%w: %v", types.ErrValidation, err)
}

// Encode wraps an event in its envelope.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.EventName(), err)
	}
	return json.Marshal(Envelope{Event: e.EventName(), Data: data})
}

// DecodeClient parses one inbound frame into its typed client event.
func DecodeClient(frame []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrMalformedFrame
	}

	var event ClientEvent
	switch env.Event {
	case EventSendMessage:
		var e SendMessage
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventMarkSeen:
		var e MarkSeen
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventTyping:
		var e Typing
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventStopTyping:
		var e StopTyping
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return event, nil
}

// DecodeServer parses one outbound frame; clients and tests use it.
func DecodeServer(frame []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrMalformedFrame
	}

	var event ServerEvent
	var err error
	switch env.Event {
	case EventNewMessage:
		var e NewMessage
		err = unmarshalData(env.Data, &e)
		event = e
	case EventMessageSent:
		var e MessageSent
		err = unmarshalData(env.Data, &e)
		event = e
	case EventMessageDelivered:
		var e MessageDelivered
		err = unmarshalData(env.Data, &e)
		event = e
	case EventMessageSeen:
		var e MessageSeen
		err = unmarshalData(env.Data, &e)
		event = e
	case EventUserTyping:
		var e UserTyping
		err = unmarshalData(env.Data, &e)
		event = e
	case EventUserStopTyping:
		var e UserStopTyping
		err = unmarshalData(env.Data, &e)
		event = e
	case EventUserStatus:
		var e UserStatus
		err = unmarshalData(env.Data, &e)
		event = e
	case EventError:
		var e Error
		err = unmarshalData(env.Data, &e)
		event = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	// A missing payload decodes as the zero value and fails validation later.
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformedFrame
	}
	return nil
}
