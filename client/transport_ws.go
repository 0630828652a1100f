package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "rtchat/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultDialTimeout  = 10 * time.Second
	wsReconnectMinDelay   = 500 * time.Millisecond
	wsReconnectMaxDelay   = 3 * time.Second
	wsMaxReadBytes        = 64 << 10

	wsEventQueueSize = 64
)

// WSConfig configures a websocket transport.
type WSConfig struct {
	// URL is the ws:// or wss:// endpoint, e.g. "ws://127.0.0.1:8080/ws".
	URL string

	// Origin is sent as the Origin header (the server requires one by default).
	Origin string

	Logger *slog.Logger

	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// WSTransport is the production Transport over coder/websocket.
//
// After the first successful Dial it owns reconnection: a dropped connection
// emits EventDisconnected and is retried with capped exponential backoff
// until Close, with EventConnected emitted after every successful attempt.
type WSTransport struct {
	cfg WSConfig
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWSTransport constructs a websocket transport. Call Dial to connect.
func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = wsDefaultDialTimeout
	}

	return &WSTransport{
		cfg:    cfg,
		log:    cfg.Logger,
		events: make(chan Event, wsEventQueueSize),
		closed: make(chan struct{}),
	}
}

// Dial establishes the initial connection and starts the read loop.
func (t *WSTransport) Dial(ctx context.Context) error {
	conn, err := t.dialOnce(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.emit(Event{Kind: EventConnected})
	go t.readLoop(conn)
	return nil
}

func (t *WSTransport) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	hdr := http.Header{}
	if t.cfg.Origin != "" {
		hdr.Set("Origin", t.cfg.Origin)
	}

	conn, _, err := websocket.Dial(dialCtx, t.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsMaxReadBytes)
	return conn, nil
}

// Send transmits one envelope on the current connection.
func (t *WSTransport) Send(ctx context.Context, env v1.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(writeCtx, websocket.MessageText, b)
}

// Events returns the event stream consumed by the session controller.
func (t *WSTransport) Events() <-chan Event {
	return t.events
}

// Close tears the transport down (idempotent). No event is emitted after
// Close returns; the read loop observes the closed signal and exits.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()

		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}
	})
	return nil
}

// readLoop pumps envelopes until the connection drops, then reconnects with
// backoff until Close.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		env, err := t.readEnvelope(conn)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}

			t.log.Info("ws.transport.drop", "err", err)
			t.emit(Event{Kind: EventDisconnected, Err: err})

			conn = t.redial()
			if conn == nil {
				return
			}
			t.emit(Event{Kind: EventConnected})
			continue
		}

		t.emit(Event{Kind: EventEnvelope, Envelope: env})
	}
}

func (t *WSTransport) readEnvelope(conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(context.Background())
	if err != nil {
		return v1.Envelope{}, err
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

// redial retries with capped exponential backoff until success or Close.
func (t *WSTransport) redial() *websocket.Conn {
	delay := wsReconnectMinDelay

	for {
		select {
		case <-t.closed:
			return nil
		case <-time.After(delay):
		}

		conn, err := t.dialOnce(context.Background())
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			return conn
		}

		t.log.Info("ws.transport.redial.fail", "err", err, "next_delay", delay)
		delay *= 2
		if delay > wsReconnectMaxDelay {
			delay = wsReconnectMaxDelay
		}
	}
}

// emit delivers ev unless the transport is closed. Blocking here is safe:
// the session's event loop is the sole consumer and drains promptly, and
// Close unblocks any pending emit.
func (t *WSTransport) emit(ev Event) {
	select {
	case <-t.closed:
	case t.events <- ev:
	}
}
