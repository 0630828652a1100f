// Package main provides a CI-friendly WebSocket smoke test for the rtchat
// server.
//
// It validates:
//   - handshake + subprotocol selection
//   - welcome with a connection id
//   - join -> presence.list / presence.joined fanout
//   - message.send -> message.new fanout with correlation id echo
//   - private message delivery to sender echo + recipient only
//   - typing.set -> typing.list fanout
//   - strictly increasing seq across public and private sends
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "rtchat/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello rtchat 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	c := mustConnect(root, "C", *wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s C=%s origin=%q\n", a.connectionID, b.connectionID, c.connectionID, *origin)
	}

	mustJoin(root, a, "Alice", *timeout)
	mustJoin(root, b, "Bob", *timeout)
	mustJoin(root, c, "Carol", *timeout)

	// Every client, including the sender, must see the broadcast.
	corrID := uuid.NewString()
	seq := mustSendPublic(root, a, corrID, *text, *timeout)
	for _, cl := range []*smokeClient{a, b, c} {
		mustAssertNew(root, cl, corrID, a.connectionID, "Alice", *text, seq, *timeout)
	}

	// Private leg: sender echo + recipient only; C stays silent.
	privCorrID := uuid.NewString()
	privSeq := mustSendPrivate(root, a, b.connectionID, privCorrID, "psst", *timeout)
	if privSeq <= seq {
		fatalf("seq not strictly increasing across visibilities: public=%d private=%d", seq, privSeq)
	}
	mustAssertPrivate(root, a, privCorrID, a.connectionID, b.connectionID, "psst", *timeout)
	mustAssertPrivate(root, b, privCorrID, a.connectionID, b.connectionID, "psst", *timeout)
	mustAssertNoType(root, c, v1.TypeMessagePrivate, 1200*time.Millisecond)

	mustTyping(root, b, true, "Bob", *timeout)

	fmt.Printf("OK: A=%s B=%s C=%s seq=%d priv_seq=%d\n", a.connectionID, b.connectionID, c.connectionID, seq, privSeq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	w := c.mustReadUntilType(parent, v1.TypeWelcome, stepTimeout, nil)

	var p v1.WelcomePayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		fatalf("unmarshal welcome payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("welcome missing connection_id (%s)", name)
	}
	c.connectionID = p.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, displayName string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeJoin,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.JoinPayload{
			DisplayName: displayName,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	list := c.mustReadUntilType(parent, v1.TypePresenceList, stepTimeout, map[string]struct{}{
		v1.TypePresenceJoined: {},
	})

	var p v1.PresenceListPayload
	if err := json.Unmarshal(list.Payload, &p); err != nil {
		fatalf("unmarshal presence.list payload (%s): %v", c.name, err)
	}
	found := false
	for _, u := range p.Users {
		if u.ConnectionID == c.connectionID && u.DisplayName == displayName {
			found = true
			break
		}
	}
	if !found {
		fatalf("presence.list missing %q for %s", displayName, c.name)
	}
}

func mustSendPublic(parent context.Context, c *smokeClient, corrID, text string, stepTimeout time.Duration) int64 {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, corrID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			Text:          text,
			CorrelationID: corrID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Peek the sender's own fanout copy to learn the assigned seq; put it
	// back afterwards so the shared assertion loop still sees it.
	got := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skipAmbient())

	var m v1.Message
	if err := json.Unmarshal(got.Payload, &m); err != nil {
		fatalf("unmarshal message.new payload (%s): %v", c.name, err)
	}
	c.inbox <- got
	return m.Seq
}

func mustSendPrivate(parent context.Context, c *smokeClient, recipientID, corrID, text string, stepTimeout time.Duration) int64 {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSendPrivate,
		ID:   fmt.Sprintf("%s-priv-%s", c.name, corrID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPrivatePayload{
			RecipientID:   recipientID,
			Text:          text,
			CorrelationID: corrID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeMessagePrivate, stepTimeout, skipAmbient())

	var m v1.Message
	if err := json.Unmarshal(got.Payload, &m); err != nil {
		fatalf("unmarshal message.private payload (%s): %v", c.name, err)
	}
	c.inbox <- got
	return m.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, corrID, senderID, senderName, text string, seq int64, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skipAmbient())

	var m v1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		fatalf("unmarshal message.new payload (%s): %v", c.name, err)
	}

	if m.CorrelationID != corrID {
		fatalf("new correlation_id mismatch (%s): got=%q want=%q", c.name, m.CorrelationID, corrID)
	}
	if m.SenderID != senderID {
		fatalf("new sender_id mismatch (%s): got=%q want=%q", c.name, m.SenderID, senderID)
	}
	if m.SenderName != senderName {
		fatalf("new sender_name mismatch (%s): got=%q want=%q", c.name, m.SenderName, senderName)
	}
	if m.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, m.Text, text)
	}
	if m.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, m.Seq, seq)
	}
	if m.Status != v1.StatusDelivered {
		fatalf("new status mismatch (%s): got=%q want=%q", c.name, m.Status, v1.StatusDelivered)
	}
	if strings.TrimSpace(m.ServerMsgID) == "" {
		fatalf("new missing server_msg_id (%s)", c.name)
	}
	if m.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustAssertPrivate(parent context.Context, c *smokeClient, corrID, senderID, recipientID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessagePrivate, stepTimeout, skipAmbient())

	var m v1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		fatalf("unmarshal message.private payload (%s): %v", c.name, err)
	}
	if !m.Private {
		fatalf("private flag not set (%s)", c.name)
	}
	if m.CorrelationID != corrID {
		fatalf("private correlation_id mismatch (%s): got=%q want=%q", c.name, m.CorrelationID, corrID)
	}
	if m.SenderID != senderID || m.RecipientID != recipientID {
		fatalf("private routing mismatch (%s): sender=%q recipient=%q", c.name, m.SenderID, m.RecipientID)
	}
	if m.Text != text {
		fatalf("private text mismatch (%s): got=%q want=%q", c.name, m.Text, text)
	}
}

func mustTyping(parent context.Context, c *smokeClient, typing bool, wantName string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeTypingSet,
		ID:   fmt.Sprintf("%s-typing", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.TypingSetPayload{
			Typing: typing,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	list := c.mustReadUntilType(parent, v1.TypeTypingList, stepTimeout, map[string]struct{}{
		v1.TypePresenceList:   {},
		v1.TypePresenceJoined: {},
		v1.TypePresenceLeft:   {},
	})

	var p v1.TypingListPayload
	if err := json.Unmarshal(list.Payload, &p); err != nil {
		fatalf("unmarshal typing.list payload (%s): %v", c.name, err)
	}
	found := false
	for _, u := range p.Users {
		if u.DisplayName == wantName {
			found = true
			break
		}
	}
	if found != typing {
		fatalf("typing.list membership mismatch (%s): found=%v want=%v", c.name, found, typing)
	}
}

// skipAmbient tolerates presence/typing churn from the other smoke clients
// while waiting for a message event.
func skipAmbient() map[string]struct{} {
	return map[string]struct{}{
		v1.TypePresenceList:   {},
		v1.TypePresenceJoined: {},
		v1.TypePresenceLeft:   {},
		v1.TypeTypingList:     {},
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
