// Package delivery implements the private-message state machine:
// send (SENT, then DELIVERED when the receiver is present) and
// receiver-acknowledged SEEN.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/metrics"
	"courier/pkg/interfaces"
	"courier/pkg/protocol"
	"courier/pkg/types"
)

// Directory is the presence lookup the pipeline routes through
type Directory interface {
	Lookup(identityID string) (interfaces.Connection, bool)
}

// Limiter bounds how fast one identity may send
type Limiter interface {
	Check(key string) error
}

// Pipeline routes private messages between connected identities
// ARCHITECTURAL DISCOVERY: Persist-then-route; the store write happens-before
// any notification to either party, so every event refers to a durable row
type Pipeline struct {
	store    interfaces.MessageStore
	presence Directory
	limiter  Limiter
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithMetrics records message transitions on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the pipeline logger
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithClock replaces time.Now for delivered/seen timestamps
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a delivery pipeline
func NewPipeline(store interfaces.MessageStore, presence Directory, limiter Limiter, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		presence: presence,
		limiter:  limiter,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send handles send_message from the sender connection and returns the stored
// message in its resulting state. Errors are returned before anything is
// persisted, except a PersistenceError which means the write itself failed.
func (p *Pipeline) Send(ctx context.Context, sender interfaces.Connection, event protocol.SendMessage) (*types.Message, error) {
	start := p.now()
	from := sender.Principal().ID

	if err := protocol.Validate(event); err != nil {
		return nil, err
	}
	content, err := types.NormalizeContent(event.Content)
	if err != nil {
		return nil, err
	}

	// FUNCTIONAL DISCOVERY: Rate limiting applied per identity before persistence
	if err := p.limiter.Check(from); err != nil {
		p.metrics.RateLimited()
		return nil, err
	}

	message := &types.Message{SenderID: from, ReceiverID: event.To, Content: content}
	if err := p.store.CreateMessage(ctx, message); err != nil {
		p.log.Error("failed to persist message", "from", from, "to", event.To, "error", err)
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	p.metrics.MessageState(types.StateSent)

	delivered := false
	if receiver, ok := p.presence.Lookup(event.To); ok {
		delivered = p.deliver(ctx, receiver, message)
	}

	// Sender acknowledgement carries the resulting state, then the delivery receipt
	p.emit(sender, protocol.MessageSentFrom(message))
	if delivered {
		p.emit(sender, protocol.MessageDelivered{MessageID: message.ID, DeliveredAt: *message.DeliveredAt})
	}

	p.metrics.ObserveSend(p.now().Sub(start))
	p.log.Debug("message sent", "id", message.ID, "from", from, "to", event.To, "state", message.State)
	return message, nil
}

// deliver pushes new_message to a present receiver and records DELIVERED.
// It reports whether the message reached DELIVERED.
func (p *Pipeline) deliver(ctx context.Context, receiver interfaces.Connection, message *types.Message) bool {
	if err := receiver.Emit(protocol.NewMessageFrom(message)); err != nil {
		// TECHNICAL DISCOVERY: The receiver disconnected between lookup and emit;
		// the message stays SENT and is picked up through history
		p.log.Debug("receiver connection gone", "id", message.ID, "to", message.ReceiverID, "error", err)
		return false
	}

	deliveredAt := p.now().UTC()
	affected, err := p.store.UpdateMessageState(ctx, message.ID, nil, types.StateDelivered, deliveredAt)
	if err != nil {
		p.log.Error("failed to mark message delivered", "id", message.ID, "error", err)
		return false
	}
	if affected == 0 {
		// A concurrent mark_seen already moved it past DELIVERED
		p.log.Debug("delivered update skipped", "id", message.ID)
		return false
	}

	message.State = types.StateDelivered
	message.DeliveredAt = &deliveredAt
	p.metrics.MessageState(types.StateDelivered)
	return true
}

// MarkSeen handles mark_seen from the caller connection
// FUNCTIONAL DISCOVERY: The receiver-scoped conditional update is the only
// authorization check; "missing" and "not yours" are indistinguishable
func (p *Pipeline) MarkSeen(ctx context.Context, caller interfaces.Connection, event protocol.MarkSeen) error {
	if err := protocol.Validate(event); err != nil {
		return err
	}

	receiverID := caller.Principal().ID
	seenAt := p.now().UTC()

	affected, err := p.store.UpdateMessageState(ctx, event.MessageID, &receiverID, types.StateSeen, seenAt)
	if err != nil {
		p.log.Error("failed to mark message seen", "id", event.MessageID, "by", receiverID, "error", err)
		return fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	if affected == 0 {
		return types.ErrNotFoundOrUnauthorized
	}
	p.metrics.MessageState(types.StateSeen)

	message, err := p.store.GetMessage(ctx, event.MessageID)
	if err != nil {
		// The state change is durable; only the sender notification is lost
		p.log.Warn("seen message could not be reloaded", "id", event.MessageID, "error", err)
		return nil
	}
	if message.SeenAt != nil {
		seenAt = *message.SeenAt
	}

	if sender, ok := p.presence.Lookup(message.SenderID); ok {
		p.emit(sender, protocol.MessageSeen{MessageID: message.ID, SeenAt: seenAt})
	}
	return nil
}

// emit is best-effort; a closed connection is a silent no-op
func (p *Pipeline) emit(conn interfaces.Connection, event protocol.ServerEvent) {
	if err := conn.Emit(event); err != nil {
		p.log.Debug("event dropped", "event", event.EventName(), "to", conn.Principal().ID, "error", err)
	}
}
