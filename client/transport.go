// Package client implements the rtchat client session controller: connection
// lifecycle, the optimistic send queue, and reconciliation of confirmed
// messages against it.
package client

import (
	"context"
	"errors"

	v1 "rtchat/contracts/chat/v1"
)

// ErrNotConnected is returned by Transport.Send when no live connection exists.
var ErrNotConnected = errors.New("client: not connected")

// EventKind discriminates transport events.
type EventKind int

const (
	// EventConnected fires after every successful dial, including automatic
	// reconnects. The session treats each one as a brand-new registration.
	EventConnected EventKind = iota
	// EventDisconnected fires when the connection drops. The transport keeps
	// retrying on its own unless it has been closed.
	EventDisconnected
	// EventEnvelope carries a server envelope.
	EventEnvelope
)

// Event is delivered by a Transport to the session controller.
type Event struct {
	Kind     EventKind
	Envelope v1.Envelope
	Err      error
}

// Transport is a bidirectional event channel to the server. Implementations
// own reconnect/backoff; the session only reacts to the events they emit.
// Delivery is best-effort, at-most-once per attempt.
type Transport interface {
	// Dial establishes the initial connection. It blocks until connected,
	// the context is done, or a permanent failure occurs.
	Dial(ctx context.Context) error

	// Send transmits one envelope on the current connection.
	Send(ctx context.Context, env v1.Envelope) error

	// Events returns the stream consumed by the session's event loop.
	Events() <-chan Event

	// Close tears the transport down; it must be idempotent.
	Close() error
}
