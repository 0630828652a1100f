package realtime

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "rtchat/contracts/chat/v1"
)

// Bus is the single serialization point for all shared chat state: the
// connection registry, presence map, typing set, and history buffer.
//
// Every mutating operation takes the exclusive lock and performs its fanout
// while still holding it, so the order in which operations acquire the lock
// is exactly the order every connection observes events in its send queue.
// Fanout never blocks (bounded queues, drop under backpressure) and never
// performs I/O, so holding the lock across it is safe.
type Bus struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	clients  map[string]*Client
	presence map[string]string
	typing   map[string]struct{}
	history  *HistoryBuffer
	seq      int64
}

// NewBus constructs a Bus. metrics may be nil (no-op instrumentation).
func NewBus(log *slog.Logger, metrics *Metrics) *Bus {
	return &Bus{
		log:      log,
		metrics:  metrics,
		clients:  make(map[string]*Client),
		presence: make(map[string]string),
		typing:   make(map[string]struct{}),
		history:  NewHistoryBuffer(historyCapacity),
	}
}

// Attach registers a live connection and tells it its connection id.
// Attach alone does not create presence; that requires a join intent.
func (b *Bus) Attach(c *Client) {
	if c == nil || c.ConnectionID == "" {
		return
	}

	now := time.Now().UTC()

	b.mu.Lock()
	b.clients[c.ConnectionID] = c
	b.deliver(c, newEnvelope(v1.TypeWelcome, v1.WelcomePayload{ConnectionID: c.ConnectionID}, now))
	b.mu.Unlock()

	b.metrics.addConnections(1)
	b.log.Info("bus.attach", "connection_id", c.ConnectionID)
}

// Detach removes the connection and, in the same exclusive section, purges
// its presence and typing entries so neither can outlive the other. The
// departure is announced to the remaining connections; the left event is
// omitted when the connection never joined. No-op for unknown ids.
func (b *Bus) Detach(connectionID string) {
	if connectionID == "" {
		return
	}

	now := time.Now().UTC()

	b.mu.Lock()
	c, attached := b.clients[connectionID]
	if !attached {
		b.mu.Unlock()
		return
	}
	delete(b.clients, connectionID)

	name, hadPresence := b.presence[connectionID]
	delete(b.presence, connectionID)
	delete(b.typing, connectionID)

	if hadPresence {
		b.fanout(newEnvelope(v1.TypePresenceLeft, v1.PresenceLeftPayload{
			ConnectionID: connectionID,
			DisplayName:  name,
		}, now))
	}
	b.fanout(newEnvelope(v1.TypePresenceList, v1.PresenceListPayload{Users: b.presenceLocked()}, now))
	b.fanout(newEnvelope(v1.TypeTypingList, v1.TypingListPayload{Users: b.typingLocked()}, now))

	b.metrics.setPresence(len(b.presence))
	b.metrics.setTyping(len(b.typing))
	b.mu.Unlock()

	// Signal shutdown after removal so no broadcaster still holds the
	// pointer while the connection goroutines tear down.
	c.Close()

	b.metrics.addConnections(-1)
	b.log.Info("bus.detach", "connection_id", connectionID, "had_presence", hadPresence)
}

// Join upserts presence for an attached connection (last-write-wins on a
// duplicate join, deliberately) and announces it. Blank display names are
// accepted as-is; no generated label is substituted.
func (b *Bus) Join(connectionID, displayName string) {
	now := time.Now().UTC()

	b.mu.Lock()
	if _, attached := b.clients[connectionID]; !attached {
		b.mu.Unlock()
		return
	}
	b.presence[connectionID] = displayName

	b.fanout(newEnvelope(v1.TypePresenceList, v1.PresenceListPayload{Users: b.presenceLocked()}, now))
	b.fanout(newEnvelope(v1.TypePresenceJoined, v1.PresenceJoinedPayload{
		ConnectionID: connectionID,
		DisplayName:  displayName,
	}, now))

	b.metrics.setPresence(len(b.presence))
	b.mu.Unlock()

	b.log.Info("bus.join", "connection_id", connectionID, "display_name", displayName)
}

// Lookup returns the display name registered for connectionID.
func (b *Bus) Lookup(connectionID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.presence[connectionID]
	return name, ok
}

// SetTyping toggles the typing flag for a joined connection and broadcasts
// the full typing set. No-op without presence. There is no auto-expiry: a
// stuck true stays until an explicit false or the connection detaches.
func (b *Bus) SetTyping(connectionID string, typing bool) {
	now := time.Now().UTC()

	b.mu.Lock()
	if _, joined := b.presence[connectionID]; !joined {
		b.mu.Unlock()
		return
	}
	if typing {
		b.typing[connectionID] = struct{}{}
	} else {
		delete(b.typing, connectionID)
	}

	b.fanout(newEnvelope(v1.TypeTypingList, v1.TypingListPayload{Users: b.typingLocked()}, now))

	b.metrics.setTyping(len(b.typing))
	b.mu.Unlock()
}

// BroadcastPublic confirms a public message: next global seq, server msg id,
// delivered status, history append, then fanout to every connection
// including the sender (which is how the sender's optimistic entry gets
// reconciled). Returns the confirmed message.
func (b *Bus) BroadcastPublic(senderID, text, correlationID string) v1.Message {
	now := time.Now().UTC()

	b.mu.Lock()
	msg := b.confirmLocked(senderID, text, correlationID, now)
	b.history.Append(msg)

	b.fanout(newEnvelope(v1.TypeMessageNew, msg, now))

	b.metrics.setHistoryLength(b.history.Len())
	b.mu.Unlock()

	b.metrics.countMessage("public")
	b.log.Info("bus.broadcast", "connection_id", senderID, "seq", msg.Seq)
	return msg
}

// SendPrivate confirms a private message and delivers it to the recipient
// plus an echo to the sender. It never touches the history buffer. An
// unknown recipient drops that leg silently; the sender still gets the echo.
func (b *Bus) SendPrivate(senderID, recipientID, text, correlationID string) v1.Message {
	now := time.Now().UTC()

	b.mu.Lock()
	msg := b.confirmLocked(senderID, text, correlationID, now)
	msg.Private = true
	msg.RecipientID = recipientID

	env := newEnvelope(v1.TypeMessagePrivate, msg, now)
	if rc := b.clients[recipientID]; rc != nil && recipientID != senderID {
		b.deliver(rc, env)
	}
	if sc := b.clients[senderID]; sc != nil {
		b.deliver(sc, env)
	}
	b.mu.Unlock()

	b.metrics.countMessage("private")
	b.log.Info("bus.private", "connection_id", senderID, "recipient_id", recipientID, "seq", msg.Seq)
	return msg
}

// confirmLocked builds the immutable confirmed message. Callers hold b.mu.
func (b *Bus) confirmLocked(senderID, text, correlationID string, now time.Time) v1.Message {
	name, joined := b.presence[senderID]
	if !joined || name == "" {
		name = AnonymousName
	}

	b.seq++
	id, err := NewServerMsgID(now)
	if err != nil {
		id = NewRandomHex(13)
	}

	return v1.Message{
		ServerMsgID:   id,
		Seq:           b.seq,
		CorrelationID: correlationID,
		SenderID:      senderID,
		SenderName:    name,
		Text:          text,
		CreatedAt:     now,
		Status:        v1.StatusDelivered,
	}
}

// ---- read-only snapshots (query surface) ----

// HistorySnapshot returns the buffered public messages in send order.
func (b *Bus) HistorySnapshot() []v1.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.Snapshot()
}

// PresenceSnapshot returns the joined participants in attach order.
func (b *Bus) PresenceSnapshot() []v1.User {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.presenceLocked()
}

// TypingSnapshot returns the participants currently flagged as typing.
func (b *Bus) TypingSnapshot() []v1.User {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.typingLocked()
}

// presenceLocked builds the presence list sorted by connection id.
// Connection ids are ULIDs, so the sort reproduces attach order.
func (b *Bus) presenceLocked() []v1.User {
	out := make([]v1.User, 0, len(b.presence))
	for id, name := range b.presence {
		out = append(out, v1.User{ConnectionID: id, DisplayName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func (b *Bus) typingLocked() []v1.User {
	out := make([]v1.User, 0, len(b.typing))
	for id := range b.typing {
		out = append(out, v1.User{ConnectionID: id, DisplayName: b.presence[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// ---- delivery ----

// fanout enqueues env to every connection. Callers hold b.mu.
func (b *Bus) fanout(env v1.Envelope) {
	for _, c := range b.clients {
		b.deliver(c, env)
	}
}

// deliver enqueues env to one connection without blocking. A full queue or a
// closing client drops the delivery rather than stalling the Bus.
func (b *Bus) deliver(c *Client, env v1.Envelope) {
	if c == nil {
		return
	}

	select {
	case <-c.Done():
		return
	default:
	}

	select {
	case c.Send <- env:
	default:
		b.metrics.countDropped()
	}
}

// newEnvelope wraps payload in the canonical wire envelope.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: raw,
	}
}
