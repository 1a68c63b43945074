package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// Connect / Disconnect
// ============================================================================

func TestConnect(t *testing.T) {
	t.Run("authenticates and reports transitions", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.connect(t)

		if !h.s.IsConnected() {
			t.Fatalf("state = %s, want connected", h.s.State())
		}
		if got := h.s.UserID(); got != "u-me" {
			t.Errorf("UserID = %q, want u-me", got)
		}

		waitFor(t, h.events, func(ev ConnectionStateChangedEvent) bool { return ev.To == StateConnected })
		var transitions []string
		for _, ev := range h.events.ofKind(KindConnectionStateChanged) {
			e := ev.(ConnectionStateChangedEvent)
			transitions = append(transitions, fmt.Sprintf("%s->%s", e.From, e.To))
		}
		want := []string{"disconnected->connecting", "connecting->connected"}
		if fmt.Sprint(transitions) != fmt.Sprint(want) {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	})

	t.Run("second connect is a no-op", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.connect(t)
		if err := h.s.Connect(context.Background(), "tok-1"); err != nil {
			t.Fatalf("second Connect: %v", err)
		}
		if n := h.dialer.dialCount(); n != 1 {
			t.Fatalf("dials = %d, want 1", n)
		}
	})

	t.Run("rejected by handshake frame", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.dialer.setReject(true)

		err := h.s.Connect(context.Background(), "bad")
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("err = %v, want ErrAuthRejected", err)
		}
		if h.s.State() != StateDisconnected {
			t.Fatalf("state = %s", h.s.State())
		}
	})

	t.Run("rejected on upgrade", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.dialer.setErr(fmt.Errorf("%w: upgrade returned HTTP 401", ErrAuthRejected))

		if err := h.s.Connect(context.Background(), "bad"); !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("err = %v, want ErrAuthRejected", err)
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.dialer.setErr(errors.New("dial tcp: connection refused"))

		err := h.s.Connect(context.Background(), "tok")
		if !errors.Is(err, ErrTransportUnavailable) {
			t.Fatalf("err = %v, want ErrTransportUnavailable", err)
		}
		if h.s.State() != StateDisconnected {
			t.Fatalf("state = %s", h.s.State())
		}
		if h.clock.PendingCount() != 0 {
			t.Fatal("initial connect failure must not schedule a reconnect")
		}
	})

	t.Run("token from provider", func(t *testing.T) {
		h := newHarness(t, Config{}, WithTokenProvider(StaticToken("from-provider")))
		if err := h.s.Connect(context.Background(), ""); err != nil {
			t.Fatal(err)
		}
		h.dialer.conn(t)
		if got := h.dialer.token(0); got != "from-provider" {
			t.Fatalf("token = %q", got)
		}
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.s.Disconnect()
		h.connect(t)
		h.s.Disconnect()
		h.s.Disconnect()

		if h.s.State() != StateDisconnected {
			t.Fatalf("state = %s", h.s.State())
		}
		waitFor(t, h.events, func(ev ConnectionStateChangedEvent) bool { return ev.To == StateDisconnected })
		if n := len(h.events.ofKind(KindConnectionStateChanged)); n != 3 {
			t.Fatalf("state events = %d, want 3", n)
		}
	})

	t.Run("cancels pending reconnect", func(t *testing.T) {
		h := newHarness(t, Config{})
		conn := h.connect(t)
		h.drop(t, conn)
		if h.s.State() != StateReconnecting {
			t.Fatalf("state = %s, want reconnecting", h.s.State())
		}

		h.s.Disconnect()
		h.clock.Advance(time.Hour)

		if n := h.dialer.dialCount(); n != 1 {
			t.Fatalf("dials = %d, want 1", n)
		}
		if h.s.State() != StateDisconnected {
			t.Fatalf("state = %s", h.s.State())
		}
	})

	t.Run("drops queued commands", func(t *testing.T) {
		h := newHarness(t, Config{})
		conn := h.connect(t)
		h.drop(t, conn)

		if err := h.s.conn.Send(CommandTyping, roomRef{RoomID: "r1"}, PriorityTyping, ""); err != nil {
			t.Fatal(err)
		}
		if h.s.conn.queued() != 1 {
			t.Fatalf("queued = %d, want 1", h.s.conn.queued())
		}
		h.s.Disconnect()
		if h.s.conn.queued() != 0 {
			t.Fatalf("queued after disconnect = %d", h.s.conn.queued())
		}
	})
}

// ============================================================================
// Reconnection
// ============================================================================

func TestReconnect(t *testing.T) {
	t.Run("recovers after a drop", func(t *testing.T) {
		var calls int
		provider := TokenProviderFunc(func(context.Context) (string, error) {
			calls++
			return fmt.Sprintf("tok-%d", calls+1), nil
		})
		h := newHarness(t, Config{}, WithTokenProvider(provider))
		conn := h.connect(t)

		h.drop(t, conn)
		h.reconnect(t)

		waitUntil(t, "connected", h.s.IsConnected)
		if n := h.dialer.dialCount(); n != 2 {
			t.Fatalf("dials = %d, want 2", n)
		}
		if got := h.dialer.token(1); got != "tok-2" {
			t.Fatalf("reconnect token = %q, want tok-2", got)
		}
		ev := waitFor(t, h.events, func(ev ConnectionStateChangedEvent) bool { return ev.To == StateReconnecting })
		if !errors.Is(ev.Err, ErrTransportUnavailable) {
			t.Errorf("reconnecting Err = %v", ev.Err)
		}
	})

	t.Run("backs off while the server is down", func(t *testing.T) {
		h := newHarness(t, Config{})
		conn := h.connect(t)
		h.dialer.setErr(errors.New("connection refused"))
		h.drop(t, conn)

		for attempt := 2; attempt <= 4; attempt++ {
			h.clock.Advance(time.Minute)
			waitUntil(t, "next attempt scheduled", func() bool {
				return h.s.conn.reconnectAttempt() >= attempt
			})
		}
		if h.s.State() != StateReconnecting {
			t.Fatalf("state = %s", h.s.State())
		}

		h.dialer.setErr(nil)
		h.clock.Advance(time.Minute)
		h.dialer.conn(t)
		waitUntil(t, "connected", h.s.IsConnected)
		if got := h.s.conn.reconnectAttempt(); got != 0 {
			t.Fatalf("attempt after success = %d, want reset to 0", got)
		}
	})

	t.Run("auth rejection is fatal", func(t *testing.T) {
		h := newHarness(t, Config{})
		conn := h.connect(t)
		h.dialer.setReject(true)
		h.drop(t, conn)
		h.reconnect(t)

		ev := waitFor(t, h.events, func(ev ConnectionStateChangedEvent) bool { return ev.To == StateDisconnected })
		if !errors.Is(ev.Err, ErrAuthRejected) {
			t.Fatalf("Err = %v, want ErrAuthRejected", ev.Err)
		}
		h.clock.Advance(time.Hour)
		if n := h.dialer.dialCount(); n != 2 {
			t.Fatalf("dials = %d, want 2", n)
		}
	})

	t.Run("server revokes token mid-session", func(t *testing.T) {
		h := newHarness(t, Config{})
		conn := h.connect(t)
		conn.fail(fmt.Errorf("%w: close 4001", ErrAuthRejected))

		waitUntil(t, "disconnected", func() bool { return h.s.State() == StateDisconnected })
		if h.clock.PendingCount() != 0 {
			t.Fatal("reconnect scheduled after auth rejection")
		}
	})

	t.Run("flushes queue after rejoin", func(t *testing.T) {
		h := newHarness(t, Config{})
		conn := h.connect(t)
		if err := h.s.JoinRoom(context.Background(), "r1"); err != nil {
			t.Fatal(err)
		}
		expect[roomRef](t, conn, CommandJoinRoom)

		h.drop(t, conn)
		first, _ := h.s.Send(context.Background(), "r1", "one")
		second, _ := h.s.Send(context.Background(), "r1", "two")
		conn = h.reconnect(t)

		if got := expect[roomRef](t, conn, CommandJoinRoom); got.RoomID != "r1" {
			t.Fatalf("rejoin room = %q", got.RoomID)
		}
		if got := expect[sendMessageCommand](t, conn, CommandSendMessage); got.ClientMessageID != first.ClientMessageID {
			t.Fatalf("first flushed = %q, want %q", got.ClientMessageID, first.ClientMessageID)
		}
		if got := expect[sendMessageCommand](t, conn, CommandSendMessage); got.ClientMessageID != second.ClientMessageID {
			t.Fatalf("second flushed = %q, want %q", got.ClientMessageID, second.ClientMessageID)
		}
	})
	t.Run("full outbox sheds typing before receipts and keeps messages", func(t *testing.T) {
		ctx := context.Background()
		h := newHarness(t, Config{OutboxLimit: 4})
		conn := h.connect(t)
		h.s.JoinRoom(ctx, "r1")
		expect[roomRef](t, conn, CommandJoinRoom)
		conn.push(t, FrameNewMessage, MessagePayload{ID: "s1", RoomID: "r1", AuthorID: "u-seller", Seq: 1})
		waitFor[NewMessageEvent](t, h.events, nil)

		h.drop(t, conn)
		if err := h.s.NotifyTyping(ctx, "r1"); err != nil {
			t.Fatal(err)
		}
		if err := h.s.MarkRead(ctx, "r1"); err != nil {
			t.Fatal(err)
		}
		var sent []Message
		for _, text := range []string{"one", "two", "three"} {
			m, err := h.s.Send(ctx, "r1", text)
			if err != nil {
				t.Fatal(err)
			}
			sent = append(sent, m)
		}
		if n := h.s.conn.queued(); n != 4 {
			t.Fatalf("queued = %d, want 4", n)
		}

		conn = h.reconnect(t)
		expect[roomRef](t, conn, CommandJoinRoom)
		if got := expect[markReadCommand](t, conn, CommandMarkRead); got.Seq != 1 {
			t.Fatalf("mark_read seq = %d, want 1", got.Seq)
		}
		for _, m := range sent {
			got := expect[sendMessageCommand](t, conn, CommandSendMessage)
			if got.ClientMessageID != m.ClientMessageID || got.Text != m.Text {
				t.Fatalf("flushed %+v, want %q", got, m.Text)
			}
		}
		conn.expectNone(t)

		// The dropped typing signal leaves no stop_typing behind.
		h.clock.Advance(5 * time.Second)
		conn.expectNone(t)
	})
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.s.conn.Send(CommandTyping, roomRef{RoomID: "r1"}, PriorityTyping, "")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Run("healthy pings keep the connection", func(t *testing.T) {
		h := newHarness(t, Config{HeartbeatInterval: 25 * time.Second})
		h.connect(t)
		h.clock.WaitForTimers(1)
		h.clock.Advance(30 * time.Second)

		time.Sleep(20 * time.Millisecond)
		if !h.s.IsConnected() {
			t.Fatalf("state = %s", h.s.State())
		}
	})

	t.Run("failed ping drives reconnect", func(t *testing.T) {
		h := newHarness(t, Config{HeartbeatInterval: 25 * time.Second})
		h.dialer.setPingErr(errors.New("pong timeout"))
		h.connect(t)
		h.clock.WaitForTimers(1)
		h.clock.Advance(25 * time.Second)

		waitUntil(t, "reconnecting", func() bool { return h.s.State() == StateReconnecting })
	})
}
