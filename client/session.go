package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "rtchat/contracts/chat/v1"

	"github.com/google/uuid"
)

// ErrClosed is returned by session operations after Close.
var ErrClosed = errors.New("client: session closed")

// DefaultConnectTimeout bounds a connect attempt that neither succeeds nor
// fails on its own.
const DefaultConnectTimeout = 10 * time.Second

const intentSendTimeout = 5 * time.Second

// Status is the session connectivity state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handlers are optional callbacks. They never fire after Close returns.
// Connectivity transitions triggered by Connect fire on its calling
// goroutine; everything else fires serially on the event-loop goroutine.
type Handlers struct {
	OnStatus   func(Status, error)
	OnMessage  func(v1.Message)
	OnPresence func([]v1.User)
	OnTyping   func([]v1.User)
}

// Config configures a Session.
type Config struct {
	// DisplayName is re-issued as a join intent on every (re)connect:
	// server-side presence is scoped to the physical connection, so each
	// reconnect is indistinguishable from a brand-new participant.
	DisplayName string

	ConnectTimeout time.Duration
	Logger         *slog.Logger
	Handlers       Handlers
}

// Session is the client session controller.
//
// It owns the optimistic local message list: SendMessage appends a pending
// entry and fires the intent; when the server's confirmed copy arrives it is
// reconciled by correlation id (never by timestamp). All state mutation is
// serialized under one mutex, and all incoming events are consumed by a
// single goroutine.
type Session struct {
	log            *slog.Logger
	tr             Transport
	connectTimeout time.Duration
	handlers       Handlers

	mu           sync.Mutex
	status       Status
	lastErr      error
	connectionID string
	displayName  string
	messages     []v1.Message
	users        []v1.User
	typing       []v1.User

	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	started   bool

	// cbMu serializes OnStatus dispatch with teardown: Close acquires it
	// after closing `closed`, so an in-flight callback finishes before
	// Close returns and later ones are suppressed.
	cbMu sync.Mutex
}

// NewSession constructs a session over tr. Call Connect to go live.
func NewSession(tr Transport, cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	return &Session{
		log:            log,
		tr:             tr,
		connectTimeout: timeout,
		handlers:       cfg.Handlers,
		displayName:    cfg.DisplayName,
		closed:         make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
}

// Connect dials the transport and starts the event loop. A dial that neither
// succeeds nor fails within the connect timeout resolves to a transient
// error instead of hanging. The Connected status itself arrives through the
// event loop, which also re-registers the display name.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.setStatus(StatusConnecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	if err := s.tr.Dial(dialCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("connect timed out after %s: %w", s.connectTimeout, err)
		}
		s.setStatus(StatusDisconnected, err)
		return err
	}

	s.mu.Lock()
	start := !s.started
	s.started = true
	s.mu.Unlock()

	if start {
		go s.loop()
	}
	return nil
}

// SendMessage queues an optimistic pending entry at the tail of the local
// list and fires the send intent. It returns the generated correlation id.
// There is no retry: if the connection drops before confirmation the entry
// stays pending indefinitely.
func (s *Session) SendMessage(text string) (string, error) {
	return s.send(text, "")
}

// SendPrivateMessage is the private-visibility twin of SendMessage.
func (s *Session) SendPrivateMessage(recipientID, text string) (string, error) {
	if strings.TrimSpace(recipientID) == "" {
		return "", errors.New("client: empty recipient id")
	}
	return s.send(text, recipientID)
}

func (s *Session) send(text, recipientID string) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("client: empty text")
	}

	correlationID := uuid.NewString()

	s.mu.Lock()
	local := v1.Message{
		CorrelationID: correlationID,
		SenderID:      s.connectionID, // provisional; replaced by the confirmed copy
		SenderName:    s.displayName,
		Text:          text,
		CreatedAt:     time.Now().UTC(),
		Private:       recipientID != "",
		RecipientID:   recipientID,
		Status:        v1.StatusPending,
	}
	s.messages = append(s.messages, local)
	s.mu.Unlock()

	if recipientID != "" {
		s.sendIntent(v1.TypeMessageSendPrivate, v1.MessageSendPrivatePayload{
			RecipientID:   recipientID,
			Text:          text,
			CorrelationID: correlationID,
		})
	} else {
		s.sendIntent(v1.TypeMessageSend, v1.MessageSendPayload{
			Text:          text,
			CorrelationID: correlationID,
		})
	}

	return correlationID, nil
}

// SetTyping pushes the typing flag, fire-and-forget. Rate limiting or
// debouncing is the caller's responsibility.
func (s *Session) SetTyping(typing bool) {
	if s.isClosed() {
		return
	}
	s.sendIntent(v1.TypeTypingSet, v1.TypingSetPayload{Typing: typing})
}

// Close tears the session down: stops the event loop, closes the transport,
// and waits until no further callback can fire. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.tr.Close()

		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		if started {
			<-s.loopDone
		}

		// The final state flip doubles as a barrier: any OnStatus already
		// past the closed check finishes before cbMu is granted here.
		s.cbMu.Lock()
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		s.cbMu.Unlock()
	})
}

// ---- accessors ----

// Status returns the connectivity state and the last transient error.
func (s *Session) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastErr
}

// ConnectionID returns the server-assigned connection id ("" before welcome).
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// Messages returns a copy of the local message list, pending and delivered.
func (s *Session) Messages() []v1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Users returns the latest presence snapshot.
func (s *Session) Users() []v1.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.User, len(s.users))
	copy(out, s.users)
	return out
}

// TypingUsers returns the latest typing snapshot.
func (s *Session) TypingUsers() []v1.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.User, len(s.typing))
	copy(out, s.typing)
	return out
}

// ---- event loop ----

// loop is the single serialized consumer of transport events.
func (s *Session) loop() {
	defer close(s.loopDone)

	events := s.tr.Events()
	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.setStatus(StatusConnected, nil)

		// Resubscribe transition: presence died with the old connection,
		// so every connect re-registers or we vanish from broadcasts.
		s.mu.Lock()
		name := s.displayName
		s.mu.Unlock()
		s.sendIntent(v1.TypeJoin, v1.JoinPayload{DisplayName: name})

	case EventDisconnected:
		s.setStatus(StatusReconnecting, ev.Err)

	case EventEnvelope:
		s.handleEnvelope(ev.Envelope)
	}
}

func (s *Session) handleEnvelope(env v1.Envelope) {
	switch env.Type {
	case v1.TypeWelcome:
		var p v1.WelcomePayload
		if !s.decode(env, &p) {
			return
		}
		s.mu.Lock()
		s.connectionID = p.ConnectionID
		s.mu.Unlock()

	case v1.TypePresenceList:
		var p v1.PresenceListPayload
		if !s.decode(env, &p) {
			return
		}
		s.mu.Lock()
		s.users = p.Users
		s.mu.Unlock()
		if s.handlers.OnPresence != nil {
			s.handlers.OnPresence(p.Users)
		}

	case v1.TypeTypingList:
		var p v1.TypingListPayload
		if !s.decode(env, &p) {
			return
		}
		s.mu.Lock()
		s.typing = p.Users
		s.mu.Unlock()
		if s.handlers.OnTyping != nil {
			s.handlers.OnTyping(p.Users)
		}

	case v1.TypeMessageNew, v1.TypeMessagePrivate:
		var msg v1.Message
		if !s.decode(env, &msg) {
			return
		}
		s.mu.Lock()
		s.reconcileLocked(msg)
		s.mu.Unlock()
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(msg)
		}

	case v1.TypePresenceJoined, v1.TypePresenceLeft:
		// Presence state follows presence.list; these are informational.
		s.log.Debug("session.presence.event", "type", env.Type)

	case v1.TypeError:
		var p v1.ErrorPayload
		if !s.decode(env, &p) {
			return
		}
		s.log.Warn("session.server.error", "code", p.Code, "message", p.Message)

	default:
		s.log.Debug("session.envelope.ignored", "type", env.Type)
	}
}

// reconcileLocked merges a confirmed message into the local list.
//
// Precedence (correlation id is the sole key; clocks are not trusted):
//  1. own sender id + matching pending entry: replace in place, same index
//  2. correlation id with no pending match (already reconciled, or queued
//     before a reload): append
//  3. another connection's message: append
func (s *Session) reconcileLocked(msg v1.Message) {
	if msg.SenderID != "" && msg.SenderID == s.connectionID && msg.CorrelationID != "" {
		for i := range s.messages {
			m := &s.messages[i]
			if m.Status == v1.StatusPending && m.CorrelationID == msg.CorrelationID {
				s.messages[i] = msg
				return
			}
		}
	}
	s.messages = append(s.messages, msg)
}

// ---- helpers ----

func (s *Session) sendIntent(typ string, payload any) {
	env := newIntentEnvelope(typ, payload)

	ctx, cancel := context.WithTimeout(context.Background(), intentSendTimeout)
	defer cancel()

	if err := s.tr.Send(ctx, env); err != nil {
		// Best-effort: optimistic entries stay pending, nothing is retried.
		s.log.Info("session.send.fail", "type", typ, "err", err)
	}
}

func (s *Session) decode(env v1.Envelope, into any) bool {
	if err := decodePayload(env, into); err != nil {
		s.log.Warn("session.payload.decode.fail", "type", env.Type, "err", err)
		return false
	}
	return true
}

func (s *Session) setStatus(st Status, err error) {
	s.mu.Lock()
	s.status = st
	s.lastErr = err
	s.mu.Unlock()

	if s.handlers.OnStatus == nil {
		return
	}

	// A Connect racing Close may reach this point after teardown started;
	// the closed check under cbMu keeps the no-callbacks-after-Close
	// guarantee intact.
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.isClosed() {
		return
	}
	s.handlers.OnStatus(st, err)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
