package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bazaarly/marketplace/sdk/golang/internal/clock"
)

// RoomRegistry tracks the rooms the caller wants to be in and keeps the
// server's view in line with it across reconnects.
type RoomRegistry struct {
	conn  *ConnectionManager
	bus   *EventBus
	clock clock.Clock
	log   *zap.Logger

	backlog   BacklogFetcher
	pageSize  int
	onBacklog func(roomID string, msgs []Message)

	mu      sync.Mutex
	order   []string
	rooms   map[string]*RoomSubscription
	fetched map[string]bool
}

func newRoomRegistry(conn *ConnectionManager, bus *EventBus, clk clock.Clock, log *zap.Logger) *RoomRegistry {
	r := &RoomRegistry{
		conn:    conn,
		bus:     bus,
		clock:   clk,
		log:     log,
		rooms:   make(map[string]*RoomSubscription),
		fetched: make(map[string]bool),
	}
	conn.addStateListener(r.onStateChange)
	return r
}

// JoinRoom subscribes to roomID. Joining a room already joined is a
// no-op. While not connected the join is recorded and sent on the next
// connect.
//
// The first join of a room loads its backlog when a BacklogFetcher is
// configured. A backlog failure is returned but the subscription stays.
func (r *RoomRegistry) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return errors.New("chat: room id is required")
	}

	r.mu.Lock()
	if _, ok := r.rooms[roomID]; ok {
		r.mu.Unlock()
		return nil
	}
	sub := &RoomSubscription{
		RoomID:        roomID,
		JoinedAt:      r.clock.Now(),
		PendingRejoin: true,
	}
	r.rooms[roomID] = sub
	r.order = append(r.order, roomID)
	needBacklog := r.backlog != nil && !r.fetched[roomID]
	r.mu.Unlock()

	r.sendJoin(ctx, sub)

	if needBacklog {
		return r.loadBacklog(ctx, roomID)
	}
	return nil
}

func (r *RoomRegistry) loadBacklog(ctx context.Context, roomID string) error {
	msgs, err := r.backlog.FetchBacklog(ctx, roomID, BacklogPage{Limit: r.pageSize})
	if err != nil {
		return fmt.Errorf("load backlog for %s: %w", roomID, err)
	}

	r.mu.Lock()
	r.fetched[roomID] = true
	r.mu.Unlock()

	r.log.Debug("backlog loaded", zap.String("room_id", roomID), zap.Int("count", len(msgs)))
	if r.onBacklog != nil {
		r.onBacklog(roomID, msgs)
	}
	return nil
}

// LeaveRoom unsubscribes locally and always succeeds. leave_room is sent
// only when connected.
func (r *RoomRegistry) LeaveRoom(ctx context.Context, roomID string) {
	if !r.remove(roomID) {
		return
	}
	if err := r.conn.Transmit(ctx, CommandLeaveRoom, roomRef{RoomID: roomID}); err != nil && !errors.Is(err, ErrNotConnected) {
		r.log.Debug("leave_room failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (r *RoomRegistry) remove(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[roomID]; !ok {
		return false
	}
	delete(r.rooms, roomID)
	for i, id := range r.order {
		if id == roomID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// sendJoin transmits join_room for a new subscription unless a replay
// has already claimed it. If the connection comes up while the send is
// failing, it tries again so the join is neither lost nor doubled.
func (r *RoomRegistry) sendJoin(ctx context.Context, sub *RoomSubscription) {
	for r.claim(sub) {
		err := r.conn.Transmit(ctx, CommandJoinRoom, roomRef{RoomID: sub.RoomID})
		if err == nil {
			return
		}
		r.release(sub)
		if !errors.Is(err, ErrNotConnected) {
			r.log.Warn("join_room failed, will retry on reconnect", zap.String("room_id", sub.RoomID), zap.Error(err))
			return
		}
		if !r.conn.IsConnected() {
			return
		}
	}
}

// claim takes a pending subscription for sending. Only one caller wins.
func (r *RoomRegistry) claim(sub *RoomSubscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[sub.RoomID] != sub || !sub.PendingRejoin {
		return false
	}
	sub.PendingRejoin = false
	return true
}

// release puts a claimed subscription back after a failed send.
func (r *RoomRegistry) release(sub *RoomSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[sub.RoomID] == sub {
		sub.PendingRejoin = true
	}
}

// Rooms returns the subscriptions in join order.
func (r *RoomRegistry) Rooms() []RoomSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomSubscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.rooms[id])
	}
	return out
}

// Joined reports whether roomID is subscribed.
func (r *RoomRegistry) Joined(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

func (r *RoomRegistry) onStateChange(from, to ConnectionState) {
	switch to {
	case StateConnected:
		r.replay()
	case StateReconnecting, StateDisconnected:
		r.mu.Lock()
		for _, sub := range r.rooms {
			sub.PendingRejoin = true
		}
		r.mu.Unlock()
	}
}

// replay sends join_room once for every pending subscription, in join
// order. Subscriptions a concurrent JoinRoom has claimed are skipped.
func (r *RoomRegistry) replay() {
	r.mu.Lock()
	pending := make([]*RoomSubscription, 0, len(r.order))
	for _, id := range r.order {
		if sub := r.rooms[id]; sub.PendingRejoin {
			pending = append(pending, sub)
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, sub := range pending {
		if !r.claim(sub) {
			continue
		}
		if err := r.conn.Transmit(context.Background(), CommandJoinRoom, roomRef{RoomID: sub.RoomID}); err != nil {
			r.release(sub)
			r.log.Warn("rejoin failed", zap.String("room_id", sub.RoomID), zap.Error(err))
			return
		}
		sent++
	}
	if sent > 0 {
		r.log.Info("rooms rejoined", zap.Int("count", sent))
	}
}

func (r *RoomRegistry) handleJoined(p RoomJoinedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.rooms[p.RoomID]; ok {
		sub.PendingRejoin = false
	}
}

// handleUnknownRoom drops a subscription the server no longer honours.
func (r *RoomRegistry) handleUnknownRoom(serverErr *ServerError) {
	if !r.remove(serverErr.RoomID) {
		return
	}
	r.log.Warn("server dropped room subscription",
		zap.String("room_id", serverErr.RoomID),
		zap.String("message", serverErr.Message),
	)
	r.bus.Publish(RoomRemovedEvent{RoomID: serverErr.RoomID, Err: serverErr})
}
