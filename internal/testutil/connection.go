// Package testutil provides shared test doubles for courier packages.
//
// [Connection] is an in-memory interfaces.Connection that records every
// emitted server event, so handlers can be tested without a websocket.
package testutil

import (
	"errors"
	"sync"

	"courier/pkg/protocol"
	"courier/pkg/types"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("test connection closed")

// Connection records emitted events in order.
type Connection struct {
	mu        sync.Mutex
	principal types.Principal
	authed    bool
	closed    bool
	events    []protocol.ServerEvent
	closedCh  chan struct{}
}

// NewConnection returns an authenticated connection for identityID.
func NewConnection(identityID string) *Connection {
	c := &Connection{closedCh: make(chan struct{})}
	_ = c.SetPrincipal(types.Principal{ID: identityID, DisplayName: identityID})
	return c
}

// NewUnauthenticatedConnection returns a connection with no principal attached.
func NewUnauthenticatedConnection() *Connection {
	return &Connection{closedCh: make(chan struct{})}
}

func (c *Connection) Emit(event protocol.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.events = append(c.events, event)
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *Connection) Principal() types.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Connection) SetPrincipal(principal types.Principal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = principal
	c.authed = true
	return nil
}

// Events returns a copy of everything emitted so far.
func (c *Connection) Events() []protocol.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ServerEvent(nil), c.events...)
}

// EventsNamed returns emitted events with the given wire name.
func (c *Connection) EventsNamed(name string) []protocol.ServerEvent {
	var out []protocol.ServerEvent
	for _, e := range c.Events() {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards recorded events.
func (c *Connection) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closedCh
}
