package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type markerKey struct {
	roomID string
	userID string
}

// ReceiptTracker keeps read markers per room and participant. Markers
// only move forward.
type ReceiptTracker struct {
	conn   *ConnectionManager
	bus    *EventBus
	log    *zap.Logger
	latest func(roomID string) (Message, bool)

	mu      sync.Mutex
	markers map[markerKey]ReadMarker
}

func newReceiptTracker(conn *ConnectionManager, bus *EventBus, log *zap.Logger, latest func(string) (Message, bool)) *ReceiptTracker {
	return &ReceiptTracker{
		conn:    conn,
		bus:     bus,
		log:     log,
		latest:  latest,
		markers: make(map[markerKey]ReadMarker),
	}
}

// MarkRead marks the newest sequenced message in the room as read. It
// sends mark_read only when that moves our marker forward and reports
// whether it did.
func (rt *ReceiptTracker) MarkRead(ctx context.Context, roomID string) (bool, error) {
	msg, ok := rt.latest(roomID)
	if !ok {
		return false, nil
	}
	key := markerKey{roomID: roomID, userID: rt.conn.UserID()}

	rt.mu.Lock()
	prev, had := rt.markers[key]
	if msg.Seq <= prev.LastReadSeq {
		rt.mu.Unlock()
		return false, nil
	}
	next := ReadMarker{
		RoomID:            roomID,
		UserID:            key.userID,
		LastReadMessageID: msg.ServerMessageID,
		LastReadSeq:       msg.Seq,
	}
	rt.markers[key] = next
	rt.mu.Unlock()

	// Undo the advance if mark_read never reaches the wire, so a later
	// MarkRead sends it again.
	rollback := func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if rt.markers[key] != next {
			return
		}
		if had {
			rt.markers[key] = prev
		} else {
			delete(rt.markers, key)
		}
	}
	err := rt.conn.send(CommandMarkRead, markReadCommand{
		RoomID:    roomID,
		MessageID: msg.ServerMessageID,
		Seq:       msg.Seq,
	}, PriorityReceipt, "", rollback)
	if err != nil {
		rollback()
		return false, err
	}
	return true, nil
}

func (rt *ReceiptTracker) handleRead(p MessageReadPayload) {
	key := markerKey{roomID: p.RoomID, userID: p.UserID}

	rt.mu.Lock()
	if p.Seq <= rt.markers[key].LastReadSeq {
		rt.mu.Unlock()
		rt.log.Debug("stale read marker",
			zap.String("room_id", p.RoomID),
			zap.String("user_id", p.UserID),
			zap.Int64("seq", p.Seq),
		)
		return
	}
	m := ReadMarker{
		RoomID:            p.RoomID,
		UserID:            p.UserID,
		LastReadMessageID: p.MessageID,
		LastReadSeq:       p.Seq,
	}
	rt.markers[key] = m
	rt.mu.Unlock()

	rt.bus.Publish(MessageReadEvent{Marker: m})
}

// Marker returns the read marker for a user in a room.
func (rt *ReceiptTracker) Marker(roomID, userID string) (ReadMarker, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.markers[markerKey{roomID: roomID, userID: userID}]
	return m, ok
}
