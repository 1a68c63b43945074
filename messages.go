package chat

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bazaarly/marketplace/sdk/golang/internal/clock"
)

// tracked is a timeline entry. created orders messages the server has
// not sequenced yet.
type tracked struct {
	msg     Message
	created uint64
}

// MessageChannel keeps per-room timelines, sends chat messages and
// reconciles them with server acknowledgments and echoes.
type MessageChannel struct {
	conn       *ConnectionManager
	bus        *EventBus
	clock      clock.Clock
	log        *zap.Logger
	ackTimeout time.Duration

	mu       sync.Mutex
	seq      uint64
	rooms    map[string][]*tracked
	byClient map[string]*tracked
	byServer map[string]*tracked
	timers   map[string]*clock.Timer
	// retired holds client IDs replaced by a manual retry. Late acks and
	// echoes for them are ignored.
	retired map[string]struct{}
}

func newMessageChannel(conn *ConnectionManager, bus *EventBus, clk clock.Clock, log *zap.Logger, ackTimeout time.Duration) *MessageChannel {
	mc := &MessageChannel{
		conn:       conn,
		bus:        bus,
		clock:      clk,
		log:        log,
		ackTimeout: ackTimeout,
		rooms:      make(map[string][]*tracked),
		byClient:   make(map[string]*tracked),
		byServer:   make(map[string]*tracked),
		timers:     make(map[string]*clock.Timer),
		retired:    make(map[string]struct{}),
	}
	conn.addStateListener(mc.onStateChange)
	return mc
}

// Send adds a pending message to the room timeline and hands it to the
// connection. It returns immediately with the local message. A message
// sent while disconnected is returned already failed.
func (mc *MessageChannel) Send(ctx context.Context, roomID, text, replyTo string) (Message, error) {
	if roomID == "" {
		return Message{}, errors.New("chat: room id is required")
	}
	if text == "" {
		return Message{}, errors.New("chat: message text is empty")
	}
	return mc.send(roomID, text, replyTo, ""), nil
}

func (mc *MessageChannel) send(roomID, text, replyTo, replaces string) Message {
	mc.mu.Lock()
	id := mc.newClientIDLocked()
	t := &tracked{
		msg: Message{
			ClientMessageID:  id,
			RoomID:           roomID,
			AuthorID:         mc.conn.UserID(),
			Text:             text,
			ReplyToMessageID: replyTo,
			SentAt:           mc.clock.Now(),
			DeliveryState:    DeliveryPending,
		},
	}
	mc.insertLocked(t)
	mc.mu.Unlock()

	err := mc.conn.Send(CommandSendMessage, sendMessageCommand{
		RoomID:           roomID,
		ClientMessageID:  id,
		Text:             text,
		ReplyToMessageID: replyTo,
	}, PriorityMessage, id)

	mc.mu.Lock()
	if err != nil {
		t.msg.DeliveryState = DeliveryFailed
		t.msg.FailureReason = err.Error()
	}
	snap := t.msg
	mc.mu.Unlock()

	mc.bus.Publish(MessageUpdatedEvent{Message: snap, Replaces: replaces})
	if err != nil {
		mc.log.Info("message failed before sending",
			zap.String("room_id", roomID),
			zap.String("client_message_id", id),
			zap.Error(err),
		)
		return snap
	}

	timer := mc.clock.AfterFunc(mc.ackTimeout, func() { mc.expire(id) })
	mc.mu.Lock()
	if t.msg.DeliveryState == DeliveryPending {
		mc.timers[id] = timer
	} else {
		timer.Stop()
	}
	mc.mu.Unlock()
	return snap
}

func (mc *MessageChannel) newClientIDLocked() string {
	for {
		id := uuid.NewString()
		if _, taken := mc.byClient[id]; taken {
			continue
		}
		if _, taken := mc.retired[id]; taken {
			continue
		}
		return id
	}
}

func (mc *MessageChannel) insertLocked(t *tracked) {
	mc.seq++
	t.created = mc.seq
	if t.msg.ClientMessageID != "" {
		if _, ok := mc.byClient[t.msg.ClientMessageID]; !ok {
			mc.byClient[t.msg.ClientMessageID] = t
		}
	}
	if t.msg.ServerMessageID != "" {
		mc.byServer[t.msg.ServerMessageID] = t
	}
	mc.rooms[t.msg.RoomID] = append(mc.rooms[t.msg.RoomID], t)
	mc.sortLocked(t.msg.RoomID)
}

// sortLocked orders a room: sequenced messages by Seq, then the rest in
// creation order.
func (mc *MessageChannel) sortLocked(roomID string) {
	slices.SortStableFunc(mc.rooms[roomID], func(a, b *tracked) int {
		switch {
		case a.msg.Seq > 0 && b.msg.Seq > 0:
			return cmp.Compare(a.msg.Seq, b.msg.Seq)
		case a.msg.Seq > 0:
			return -1
		case b.msg.Seq > 0:
			return 1
		default:
			return cmp.Compare(a.created, b.created)
		}
	})
}

func (mc *MessageChannel) expire(id string) {
	mc.mu.Lock()
	t, ok := mc.byClient[id]
	if !ok || t.msg.DeliveryState != DeliveryPending {
		mc.mu.Unlock()
		return
	}
	delete(mc.timers, id)
	t.msg.DeliveryState = DeliveryFailed
	t.msg.FailureReason = ErrSendTimeout.Error()
	snap := t.msg
	mc.mu.Unlock()

	withdrawn := mc.conn.Withdraw(id)
	mc.log.Info("message not acknowledged in time",
		zap.String("room_id", snap.RoomID),
		zap.String("client_message_id", id),
		zap.Bool("withdrawn", withdrawn),
	)
	mc.bus.Publish(MessageUpdatedEvent{Message: snap})
}

// confirmLocked applies a server acknowledgment to a local message. It
// reports whether anything changed.
func (mc *MessageChannel) confirmLocked(t *tracked, serverID string, seq int64, sentAt time.Time) bool {
	if t.msg.DeliveryState == DeliverySent && t.msg.ServerMessageID == serverID && t.msg.Seq == seq {
		return false
	}
	if timer, ok := mc.timers[t.msg.ClientMessageID]; ok {
		timer.Stop()
		delete(mc.timers, t.msg.ClientMessageID)
	}
	if t.msg.ServerMessageID != "" && t.msg.ServerMessageID != serverID {
		delete(mc.byServer, t.msg.ServerMessageID)
	}
	t.msg.DeliveryState = DeliverySent
	t.msg.FailureReason = ""
	t.msg.ServerMessageID = serverID
	t.msg.Seq = seq
	if !sentAt.IsZero() {
		t.msg.SentAt = sentAt
	}
	if serverID != "" {
		mc.byServer[serverID] = t
	}
	mc.sortLocked(t.msg.RoomID)
	return true
}

func (mc *MessageChannel) handleAck(p MessageAckPayload) {
	mc.mu.Lock()
	if _, ok := mc.retired[p.ClientMessageID]; ok {
		mc.mu.Unlock()
		return
	}
	t, ok := mc.byClient[p.ClientMessageID]
	if !ok {
		mc.mu.Unlock()
		mc.log.Debug("ack for unknown message", zap.String("client_message_id", p.ClientMessageID))
		return
	}
	changed := mc.confirmLocked(t, p.MessageID, p.Seq, parseTime(p.SentAt))
	snap := t.msg
	mc.mu.Unlock()

	if changed {
		mc.bus.Publish(MessageUpdatedEvent{Message: snap})
	}
}

// handleNew applies a new_message frame. Echoes of our own sends update
// the local message; anything else is added to the timeline once.
func (mc *MessageChannel) handleNew(p MessagePayload) {
	mc.mu.Lock()
	if p.ClientMessageID != "" {
		if _, ok := mc.retired[p.ClientMessageID]; ok {
			mc.mu.Unlock()
			return
		}
		if t, ok := mc.byClient[p.ClientMessageID]; ok {
			changed := mc.confirmLocked(t, p.ID, p.Seq, parseTime(p.SentAt))
			snap := t.msg
			mc.mu.Unlock()
			if changed {
				mc.bus.Publish(MessageUpdatedEvent{Message: snap})
			}
			return
		}
	}
	if _, dup := mc.byServer[p.ID]; dup {
		mc.mu.Unlock()
		return
	}
	t := &tracked{msg: *messageFromPayload(p)}
	mc.insertLocked(t)
	snap := t.msg
	mc.mu.Unlock()

	mc.bus.Publish(NewMessageEvent{Message: snap})
}

func (mc *MessageChannel) handleDeleted(p MessageDeletedPayload) {
	mc.mu.Lock()
	t, ok := mc.byServer[p.MessageID]
	if !ok || t.msg.Deleted {
		mc.mu.Unlock()
		return
	}
	t.msg.Deleted = true
	t.msg.Text = ""
	mc.mu.Unlock()

	mc.bus.Publish(MessageDeletedEvent{RoomID: p.RoomID, ServerMessageID: p.MessageID})
}

// Retry resends a failed message under a new client message ID. The
// failed message leaves the timeline; the MessageUpdated event for the
// new one names it in Replaces.
func (mc *MessageChannel) Retry(ctx context.Context, clientMessageID string) (Message, error) {
	mc.mu.Lock()
	t, ok := mc.byClient[clientMessageID]
	if !ok {
		mc.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	if t.msg.DeliveryState != DeliveryFailed {
		mc.mu.Unlock()
		return Message{}, ErrNotRetryable
	}
	delete(mc.byClient, clientMessageID)
	mc.retired[clientMessageID] = struct{}{}
	if t.msg.ServerMessageID != "" {
		delete(mc.byServer, t.msg.ServerMessageID)
	}
	room := mc.rooms[t.msg.RoomID]
	if i := slices.Index(room, t); i >= 0 {
		mc.rooms[t.msg.RoomID] = slices.Delete(room, i, i+1)
	}
	old := t.msg
	mc.mu.Unlock()

	mc.conn.Withdraw(clientMessageID)
	return mc.send(old.RoomID, old.Text, old.ReplyToMessageID, clientMessageID), nil
}

// MergeBacklog adds history messages to a room timeline under the same
// dedup and ordering rules as live messages. It publishes nothing.
func (mc *MessageChannel) MergeBacklog(roomID string, msgs []Message) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if m.ServerMessageID != "" {
			if _, dup := mc.byServer[m.ServerMessageID]; dup {
				continue
			}
		}
		if m.ClientMessageID != "" {
			if _, ok := mc.retired[m.ClientMessageID]; ok {
				continue
			}
			if t, ok := mc.byClient[m.ClientMessageID]; ok {
				mc.confirmLocked(t, m.ServerMessageID, m.Seq, m.SentAt)
				continue
			}
		}
		if m.DeliveryState == "" {
			m.DeliveryState = DeliverySent
		}
		mc.insertLocked(&tracked{msg: m})
	}
}

// Messages returns a snapshot of a room timeline.
func (mc *MessageChannel) Messages(roomID string) []Message {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	room := mc.rooms[roomID]
	out := make([]Message, len(room))
	for i, t := range room {
		out[i] = t.msg
	}
	return out
}

// Message looks a message up by its client message ID.
func (mc *MessageChannel) Message(clientMessageID string) (Message, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	t, ok := mc.byClient[clientMessageID]
	if !ok {
		return Message{}, false
	}
	return t.msg, true
}

// latestSequenced returns the highest-Seq message in a room.
func (mc *MessageChannel) latestSequenced(roomID string) (Message, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var best *tracked
	for _, t := range mc.rooms[roomID] {
		if t.msg.Seq > 0 && (best == nil || t.msg.Seq > best.msg.Seq) {
			best = t
		}
	}
	if best == nil {
		return Message{}, false
	}
	return best.msg, true
}

func (mc *MessageChannel) onStateChange(from, to ConnectionState) {
	if to != StateDisconnected {
		return
	}

	mc.mu.Lock()
	var failed []Message
	for id, t := range mc.byClient {
		if t.msg.DeliveryState != DeliveryPending {
			continue
		}
		if timer, ok := mc.timers[id]; ok {
			timer.Stop()
			delete(mc.timers, id)
		}
		t.msg.DeliveryState = DeliveryFailed
		t.msg.FailureReason = ErrNotConnected.Error()
		failed = append(failed, t.msg)
	}
	mc.mu.Unlock()

	slices.SortFunc(failed, func(a, b Message) int { return a.SentAt.Compare(b.SentAt) })
	for _, m := range failed {
		mc.bus.Publish(MessageUpdatedEvent{Message: m})
	}
}
