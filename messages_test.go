package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSendAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	conn := h.connect(t)

	msg, err := h.s.Send(ctx, "r1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.DeliveryState != DeliveryPending || msg.ServerMessageID != "" {
		t.Fatalf("new message = %+v", msg)
	}
	if msg.AuthorID != "u-me" {
		t.Errorf("AuthorID = %q", msg.AuthorID)
	}

	cmd := expect[sendMessageCommand](t, conn, CommandSendMessage)
	if cmd.ClientMessageID != msg.ClientMessageID || cmd.Text != "hello" || cmd.RoomID != "r1" {
		t.Fatalf("send_message = %+v", cmd)
	}

	conn.push(t, FrameMessageAck, MessageAckPayload{
		ClientMessageID: msg.ClientMessageID,
		MessageID:       "s99",
		RoomID:          "r1",
		Seq:             1,
	})
	ev := waitFor(t, h.events, func(ev MessageUpdatedEvent) bool { return ev.Message.DeliveryState == DeliverySent })
	if ev.Message.ServerMessageID != "s99" || ev.Message.ClientMessageID != msg.ClientMessageID {
		t.Fatalf("updated = %+v", ev.Message)
	}

	msgs := h.s.Messages("r1")
	if len(msgs) != 1 {
		t.Fatalf("timeline has %d messages, want 1", len(msgs))
	}
	if msgs[0].DeliveryState != DeliverySent || msgs[0].ServerMessageID != "s99" {
		t.Fatalf("timeline message = %+v", msgs[0])
	}
	if h.clock.PendingCount() != 0 {
		t.Fatal("ack timer still armed after ack")
	}
}

func TestEchoesAreDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	conn := h.connect(t)

	msg, _ := h.s.Send(ctx, "r1", "hello")
	echo := MessagePayload{
		ID:              "s99",
		ClientMessageID: msg.ClientMessageID,
		RoomID:          "r1",
		AuthorID:        "u-me",
		Text:            "hello",
		Seq:             1,
		SentAt:          "2024-03-01T12:00:01Z",
	}
	conn.push(t, FrameNewMessage, echo)
	conn.push(t, FrameMessageAck, MessageAckPayload{ClientMessageID: msg.ClientMessageID, MessageID: "s99", RoomID: "r1", Seq: 1})
	conn.push(t, FrameNewMessage, echo)
	conn.push(t, FrameNewMessage, MessagePayload{ID: "s100", RoomID: "r1", AuthorID: "u-buyer", Text: "hi", Seq: 2})

	waitFor(t, h.events, func(ev NewMessageEvent) bool { return ev.Message.ServerMessageID == "s100" })

	msgs := h.s.Messages("r1")
	if len(msgs) != 2 {
		t.Fatalf("timeline = %+v", msgs)
	}
	if msgs[0].ClientMessageID != msg.ClientMessageID || msgs[0].DeliveryState != DeliverySent {
		t.Fatalf("own message = %+v", msgs[0])
	}
	want := time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)
	if !msgs[0].SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want server time %v", msgs[0].SentAt, want)
	}
	if n := len(h.events.ofKind(KindNewMessage)); n != 1 {
		t.Fatalf("NewMessage events = %d, want 1 (own echoes excluded)", n)
	}
	sentUpdates := 0
	for _, ev := range h.events.ofKind(KindMessageUpdated) {
		if ev.(MessageUpdatedEvent).Message.DeliveryState == DeliverySent {
			sentUpdates++
		}
	}
	if sentUpdates != 1 {
		t.Fatalf("sent updates = %d, want 1", sentUpdates)
	}
}

func TestForeignMessagesDeduplicated(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)

	p := MessagePayload{ID: "s1", RoomID: "r1", AuthorID: "u-seller", Text: "still available", Seq: 1}
	conn.push(t, FrameNewMessage, p)
	conn.push(t, FrameNewMessage, p)
	conn.push(t, FrameNewMessage, MessagePayload{ID: "s2", RoomID: "r1", AuthorID: "u-seller", Text: "yes", Seq: 2})

	waitFor(t, h.events, func(ev NewMessageEvent) bool { return ev.Message.ServerMessageID == "s2" })
	if n := len(h.s.Messages("r1")); n != 2 {
		t.Fatalf("timeline has %d messages, want 2", n)
	}
}

func TestTimelineOrdering(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	conn := h.connect(t)

	local, _ := h.s.Send(ctx, "r1", "pending one")
	for _, seq := range []int64{3, 1, 2} {
		conn.push(t, FrameNewMessage, MessagePayload{
			ID:       "s" + string(rune('0'+seq)),
			RoomID:   "r1",
			AuthorID: "u-seller",
			Seq:      seq,
		})
	}
	waitUntil(t, "three foreign messages", func() bool { return len(h.s.Messages("r1")) == 4 })

	msgs := h.s.Messages("r1")
	for i, seq := range []int64{1, 2, 3} {
		if msgs[i].Seq != seq {
			t.Fatalf("position %d has seq %d, want %d", i, msgs[i].Seq, seq)
		}
	}
	if msgs[3].ClientMessageID != local.ClientMessageID {
		t.Fatalf("unacknowledged message not last: %+v", msgs[3])
	}
}

func TestAckTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("marks failed and retry uses a new id", func(t *testing.T) {
		h := newHarness(t, Config{AckTimeout: 10 * time.Second})
		conn := h.connect(t)

		msg, _ := h.s.Send(ctx, "r1", "hello")
		expect[sendMessageCommand](t, conn, CommandSendMessage)

		h.clock.Advance(10 * time.Second)
		failed, ok := h.s.messages.Message(msg.ClientMessageID)
		if !ok || failed.DeliveryState != DeliveryFailed {
			t.Fatalf("after timeout = %+v", failed)
		}
		if failed.FailureReason != ErrSendTimeout.Error() {
			t.Errorf("FailureReason = %q", failed.FailureReason)
		}

		h.clock.Advance(time.Hour)
		conn.expectNone(t)

		retried, err := h.s.Retry(ctx, msg.ClientMessageID)
		if err != nil {
			t.Fatal(err)
		}
		if retried.ClientMessageID == msg.ClientMessageID {
			t.Fatal("retry reused the client message id")
		}
		cmd := expect[sendMessageCommand](t, conn, CommandSendMessage)
		if cmd.ClientMessageID != retried.ClientMessageID || cmd.Text != "hello" {
			t.Fatalf("retry sent %+v", cmd)
		}

		msgs := h.s.Messages("r1")
		if len(msgs) != 1 || msgs[0].ClientMessageID != retried.ClientMessageID {
			t.Fatalf("timeline = %+v", msgs)
		}
		ev := waitFor(t, h.events, func(ev MessageUpdatedEvent) bool { return ev.Replaces != "" })
		if ev.Replaces != msg.ClientMessageID || ev.Message.ClientMessageID != retried.ClientMessageID {
			t.Fatalf("replace event = %+v", ev)
		}
	})

	t.Run("late ack promotes to sent", func(t *testing.T) {
		h := newHarness(t, Config{AckTimeout: 10 * time.Second})
		conn := h.connect(t)
		msg, _ := h.s.Send(ctx, "r1", "hello")
		h.clock.Advance(10 * time.Second)

		conn.push(t, FrameMessageAck, MessageAckPayload{ClientMessageID: msg.ClientMessageID, MessageID: "s5", Seq: 5})
		waitFor(t, h.events, func(ev MessageUpdatedEvent) bool { return ev.Message.DeliveryState == DeliverySent })
		if got, _ := h.s.messages.Message(msg.ClientMessageID); got.DeliveryState != DeliverySent || got.FailureReason != "" {
			t.Fatalf("after late ack = %+v", got)
		}
	})

	t.Run("queued message is withdrawn", func(t *testing.T) {
		h := newHarness(t, Config{AckTimeout: 10 * time.Second, ReconnectBaseDelay: time.Minute, ReconnectMaxDelay: time.Minute})
		conn := h.connect(t)
		h.drop(t, conn)

		h.s.Send(ctx, "r1", "hello")
		if h.s.conn.queued() != 1 {
			t.Fatalf("queued = %d", h.s.conn.queued())
		}
		h.clock.Advance(10 * time.Second)
		if h.s.conn.queued() != 0 {
			t.Fatal("timed out message still queued")
		}

		h.clock.Advance(2 * time.Minute)
		h.dialer.conn(t).expectNone(t)
	})
}

func TestRetryErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.connect(t)

	if _, err := h.s.Retry(ctx, "nope"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
	msg, _ := h.s.Send(ctx, "r1", "hello")
	if _, err := h.s.Retry(ctx, msg.ClientMessageID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("err = %v, want ErrNotRetryable", err)
	}
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	h := newHarness(t, Config{})
	msg, err := h.s.Send(context.Background(), "r1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.DeliveryState != DeliveryFailed {
		t.Fatalf("state = %s, want failed", msg.DeliveryState)
	}
	if h.clock.PendingCount() != 0 {
		t.Fatal("ack timer armed for a message that was never sent")
	}
}

func TestDisconnectFailsPendingMessages(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)
	msg, _ := h.s.Send(context.Background(), "r1", "hello")

	h.s.Disconnect()

	got, _ := h.s.messages.Message(msg.ClientMessageID)
	if got.DeliveryState != DeliveryFailed || got.FailureReason != ErrNotConnected.Error() {
		t.Fatalf("after disconnect = %+v", got)
	}
	if h.clock.PendingCount() != 0 {
		t.Fatal("ack timer survived disconnect")
	}
}

func TestMessageDeletedTombstones(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)
	conn.push(t, FrameNewMessage, MessagePayload{ID: "s1", RoomID: "r1", AuthorID: "u-seller", Text: "call me", Seq: 1})
	conn.push(t, FrameMessageDeleted, MessageDeletedPayload{RoomID: "r1", MessageID: "s1"})
	conn.push(t, FrameMessageDeleted, MessageDeletedPayload{RoomID: "r1", MessageID: "s1"})

	ev := waitFor[MessageDeletedEvent](t, h.events, nil)
	if ev.ServerMessageID != "s1" {
		t.Fatalf("deleted %q", ev.ServerMessageID)
	}
	msgs := h.s.Messages("r1")
	if len(msgs) != 1 || !msgs[0].Deleted || msgs[0].Text != "" {
		t.Fatalf("timeline = %+v", msgs)
	}
	conn.push(t, FrameNewMessage, MessagePayload{ID: "s2", RoomID: "r1", Seq: 2})
	waitFor(t, h.events, func(ev NewMessageEvent) bool { return ev.Message.ServerMessageID == "s2" })
	if n := len(h.events.ofKind(KindMessageDeleted)); n != 1 {
		t.Fatalf("MessageDeleted events = %d, want 1", n)
	}
}

func TestMergeBacklogWithPending(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)
	msg, _ := h.s.Send(context.Background(), "r1", "hello")

	h.s.messages.MergeBacklog("r1", []Message{
		{ServerMessageID: "s1", Seq: 1, Text: "older"},
		{ServerMessageID: "s2", Seq: 2, ClientMessageID: msg.ClientMessageID, Text: "hello"},
		{ServerMessageID: "s1", Seq: 1, Text: "older"},
	})

	msgs := h.s.Messages("r1")
	if len(msgs) != 2 {
		t.Fatalf("timeline = %+v", msgs)
	}
	if msgs[0].ServerMessageID != "s1" || msgs[0].RoomID != "r1" {
		t.Fatalf("first = %+v", msgs[0])
	}
	if msgs[1].ClientMessageID != msg.ClientMessageID || msgs[1].DeliveryState != DeliverySent {
		t.Fatalf("own message = %+v", msgs[1])
	}
}
