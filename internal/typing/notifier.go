// Package typing relays ephemeral typing signals between present identities.
package typing

import (
	"log/slog"

	"courier/pkg/interfaces"
	"courier/pkg/protocol"
)

// Directory is the presence lookup used to find the recipient
type Directory interface {
	Lookup(identityID string) (interfaces.Connection, bool)
}

// Notifier forwards typing and stop_typing. It keeps no state: no persistence,
// no acknowledgement, no retry. Signals for absent recipients are dropped.
type Notifier struct {
	presence Directory
	log      *slog.Logger
}

func NewNotifier(presence Directory, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Notifier{presence: presence, log: log}
}

// Typing forwards user_typing{from} to the recipient if present
func (n *Notifier) Typing(from interfaces.Connection, event protocol.Typing) error {
	if err := protocol.Validate(event); err != nil {
		return err
	}
	n.forward(event.To, protocol.UserTyping{From: from.Principal().ID})
	return nil
}

// StopTyping forwards user_stop_typing{from} to the recipient if present
func (n *Notifier) StopTyping(from interfaces.Connection, event protocol.StopTyping) error {
	if err := protocol.Validate(event); err != nil {
		return err
	}
	n.forward(event.To, protocol.UserStopTyping{From: from.Principal().ID})
	return nil
}

func (n *Notifier) forward(to string, event protocol.ServerEvent) {
	conn, ok := n.presence.Lookup(to)
	if !ok {
		return
	}
	if err := conn.Emit(event); err != nil {
		n.log.Debug("typing signal dropped", "event", event.EventName(), "to", to, "error", err)
	}
}
