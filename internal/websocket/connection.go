package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"courier/pkg/protocol"
	"courier/pkg/types"
)

// Options tunes per-connection transport behavior
type Options struct {
	BufferSize     int           // queued outbound frames
	WriteTimeout   time.Duration // enqueue and socket write deadline
	PingInterval   time.Duration
	ReadTimeout    time.Duration // extended by every pong
	MaxMessageSize int64
}

// DefaultOptions returns the transport defaults
func DefaultOptions() Options {
	return Options{
		BufferSize:     100,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn          *websocket.Conn
	opts          Options
	writeCh       chan []byte
	principal     types.Principal
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex // protects principal fields
}

// NewConnection wraps conn and starts its single writer goroutine
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		opts:    opts,
		writeCh: make(chan []byte, opts.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
// TECHNICAL DISCOVERY: writeCh is never closed; Emit and writeLoop both select on
// ctx so a late Emit cannot panic on a closed channel
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Emit encodes event into its envelope and queues it for the writer
func (c *Connection) Emit(event protocol.ServerEvent) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := protocol.Encode(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event.EventName(), err)
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TryEmit queues event only if the write buffer has room, never blocking.
// Used for unacknowledged fan-out where one slow client must not stall the sender
func (c *Connection) TryEmit(event protocol.ServerEvent) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := protocol.Encode(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event.EventName(), err)
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close is idempotent
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetPrincipal attaches the verified identity; the gate calls it exactly once
func (c *Connection) SetPrincipal(principal types.Principal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return ErrPrincipalAlreadySet
	}
	c.principal = principal
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) Principal() types.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}
