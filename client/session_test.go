package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "rtchat/contracts/chat/v1"
)

// fakeTransport drives the session from tests: Dial emits EventConnected,
// sent envelopes surface on sentCh, and server events are injected directly.
type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	// dialBlock makes Dial hang until the context is done (timeout tests).
	dialBlock bool
	// dialEntered/dialRelease gate Dial externally: it signals entry, then
	// parks until released (or the context ends) and fails.
	dialEntered chan struct{}
	dialRelease chan struct{}
	closed      bool

	events chan Event
	sentCh chan v1.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan Event, 64),
		sentCh: make(chan v1.Envelope, 64),
	}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	block, err := f.dialBlock, f.dialErr
	f.mu.Unlock()

	if f.dialRelease != nil {
		f.dialEntered <- struct{}{}
		select {
		case <-f.dialRelease:
			return errors.New("dial refused")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	f.events <- Event{Kind: EventConnected}
	return nil
}

func (f *fakeTransport) Send(_ context.Context, env v1.Envelope) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	f.sentCh <- env
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) inject(t *testing.T, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.events <- Event{Kind: EventEnvelope, Envelope: v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: raw,
	}}
}

func (f *fakeTransport) nextSent(t *testing.T) v1.Envelope {
	t.Helper()

	select {
	case env := <-f.sentCh:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope sent in time")
		return v1.Envelope{}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, tr Transport, h Handlers) *Session {
	t.Helper()

	s := NewSession(tr, Config{
		DisplayName: "Alice",
		Logger:      testLogger(),
		Handlers:    h,
	})
	t.Cleanup(s.Close)
	return s
}

// welcome connects the session and hands it a connection id.
func welcome(t *testing.T, tr *fakeTransport, s *Session, connID string) {
	t.Helper()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// First intent after connect must be the join re-registration.
	env := tr.nextSent(t)
	if env.Type != v1.TypeJoin {
		t.Fatalf("first intent=%q want=%q", env.Type, v1.TypeJoin)
	}
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if p.DisplayName != "Alice" {
		t.Fatalf("join display_name=%q want=Alice", p.DisplayName)
	}

	tr.inject(t, v1.TypeWelcome, v1.WelcomePayload{ConnectionID: connID})
	waitFor(t, func() bool { return s.ConnectionID() == connID })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestConnectSendsJoin(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})

	welcome(t, tr, s, "me")

	if st, err := s.Status(); st != StatusConnected || err != nil {
		t.Fatalf("status=%v err=%v want connected/nil", st, err)
	}
}

func TestReconnectResendsJoin(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()

	var mu sync.Mutex
	var seen []Status
	s := newTestSession(t, tr, Handlers{
		OnStatus: func(st Status, _ error) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		},
	})

	welcome(t, tr, s, "me")

	tr.events <- Event{Kind: EventDisconnected, Err: errors.New("network drop")}
	tr.events <- Event{Kind: EventConnected}

	env := tr.nextSent(t)
	if env.Type != v1.TypeJoin {
		t.Fatalf("post-reconnect intent=%q want=%q (must re-register)", env.Type, v1.TypeJoin)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, st := range seen {
			if st == StatusReconnecting {
				return true
			}
		}
		return false
	})
}

func TestSendMessageQueuesPending(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})
	welcome(t, tr, s, "me")

	corrID, err := s.SendMessage("hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages=%d want=1", len(msgs))
	}
	if msgs[0].Status != v1.StatusPending || msgs[0].CorrelationID != corrID {
		t.Fatalf("local entry=%+v want pending with correlation %q", msgs[0], corrID)
	}

	env := tr.nextSent(t)
	if env.Type != v1.TypeMessageSend {
		t.Fatalf("intent=%q want=%q", env.Type, v1.TypeMessageSend)
	}
}

func TestReconcileReplacesInPlace(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})
	welcome(t, tr, s, "me")

	if _, err := s.SendMessage("first"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	corrID, err := s.SendMessage("hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	confirmed := v1.Message{
		ServerMsgID:   "srv-1",
		Seq:           7,
		CorrelationID: corrID,
		SenderID:      "me",
		SenderName:    "Alice",
		Text:          "hi",
		CreatedAt:     time.Now().UTC(),
		Status:        v1.StatusDelivered,
	}
	tr.inject(t, v1.TypeMessageNew, confirmed)

	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && msgs[1].Status == v1.StatusDelivered
	})

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages=%d want=2 (replace, not append)", len(msgs))
	}
	if msgs[1].ServerMsgID != "srv-1" || msgs[1].Seq != 7 {
		t.Fatalf("index 1 not replaced by confirmed copy: %+v", msgs[1])
	}
	if msgs[0].Status != v1.StatusPending {
		t.Fatalf("unrelated pending entry touched: %+v", msgs[0])
	}
}

func TestReconcileAppendsWithoutPendingMatch(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})
	welcome(t, tr, s, "me")

	// Own sender id and a correlation id that was never queued locally
	// (e.g. the pending entry was lost to a reload).
	tr.inject(t, v1.TypeMessageNew, v1.Message{
		CorrelationID: "never-queued",
		SenderID:      "me",
		Text:          "ghost",
		Status:        v1.StatusDelivered,
	})

	waitFor(t, func() bool { return len(s.Messages()) == 1 })

	// A second copy with the same correlation id must append again rather
	// than overwrite the delivered entry.
	tr.inject(t, v1.TypeMessageNew, v1.Message{
		CorrelationID: "never-queued",
		SenderID:      "me",
		Text:          "ghost",
		Status:        v1.StatusDelivered,
	})
	waitFor(t, func() bool { return len(s.Messages()) == 2 })
}

func TestReconcileAppendsOtherSenders(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})
	welcome(t, tr, s, "me")

	corrID, err := s.SendMessage("mine")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Same correlation id but a different sender: must never replace.
	tr.inject(t, v1.TypeMessageNew, v1.Message{
		CorrelationID: corrID,
		SenderID:      "someone-else",
		Text:          "theirs",
		Status:        v1.StatusDelivered,
	})

	waitFor(t, func() bool { return len(s.Messages()) == 2 })

	msgs := s.Messages()
	if msgs[0].Status != v1.StatusPending {
		t.Fatalf("own pending entry overwritten by foreign message: %+v", msgs[0])
	}
}

func TestPrivateMessageReconciles(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})
	welcome(t, tr, s, "me")

	corrID, err := s.SendPrivateMessage("peer", "secret")
	if err != nil {
		t.Fatalf("SendPrivateMessage: %v", err)
	}

	env := tr.nextSent(t)
	if env.Type != v1.TypeMessageSendPrivate {
		t.Fatalf("intent=%q want=%q", env.Type, v1.TypeMessageSendPrivate)
	}

	tr.inject(t, v1.TypeMessagePrivate, v1.Message{
		CorrelationID: corrID,
		SenderID:      "me",
		RecipientID:   "peer",
		Private:       true,
		Text:          "secret",
		Status:        v1.StatusDelivered,
	})

	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].Status == v1.StatusDelivered
	})
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.dialBlock = true

	s := NewSession(tr, Config{
		DisplayName:    "Alice",
		ConnectTimeout: 50 * time.Millisecond,
		Logger:         testLogger(),
	})
	t.Cleanup(s.Close)

	start := time.Now()
	err := s.Connect(context.Background())
	if err == nil {
		t.Fatalf("Connect should time out")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Connect hung for %v", elapsed)
	}

	st, lastErr := s.Status()
	if st != StatusDisconnected || lastErr == nil {
		t.Fatalf("status=%v err=%v want disconnected with transient error", st, lastErr)
	}
}

func TestPresenceAndTypingState(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})
	welcome(t, tr, s, "me")

	tr.inject(t, v1.TypePresenceList, v1.PresenceListPayload{Users: []v1.User{
		{ConnectionID: "me", DisplayName: "Alice"},
		{ConnectionID: "b", DisplayName: "Bob"},
	}})
	tr.inject(t, v1.TypeTypingList, v1.TypingListPayload{Users: []v1.User{
		{ConnectionID: "b", DisplayName: "Bob"},
	}})

	waitFor(t, func() bool { return len(s.Users()) == 2 && len(s.TypingUsers()) == 1 })

	if s.TypingUsers()[0].DisplayName != "Bob" {
		t.Fatalf("typing=%v want Bob", s.TypingUsers())
	}
}

func TestCloseSuppressesLateStatusCallback(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.dialEntered = make(chan struct{}, 1)
	tr.dialRelease = make(chan struct{})

	var closeReturned, lateCallback atomic.Bool

	s := NewSession(tr, Config{
		DisplayName: "Alice",
		Logger:      testLogger(),
		Handlers: Handlers{
			OnStatus: func(Status, error) {
				if closeReturned.Load() {
					lateCallback.Store(true)
				}
			},
		},
	})
	t.Cleanup(s.Close)

	connectDone := make(chan struct{})
	go func() {
		defer close(connectDone)
		_ = s.Connect(context.Background())
	}()

	// Tear down while Connect is still parked inside Dial, then let the
	// dial fail: the resulting status transition must be swallowed.
	<-tr.dialEntered
	s.Close()
	closeReturned.Store(true)
	close(tr.dialRelease)

	select {
	case <-connectDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect did not return")
	}

	if lateCallback.Load() {
		t.Fatalf("status callback fired after Close returned")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := newTestSession(t, tr, Handlers{})
	welcome(t, tr, s, "me")

	s.Close()
	s.Close()

	if _, err := s.SendMessage("after close"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want=%v", err, ErrClosed)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after close err=%v want=%v", err, ErrClosed)
	}

	if st, _ := s.Status(); st != StatusDisconnected {
		t.Fatalf("status=%v want disconnected", st)
	}
}
