package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bazaarly/marketplace/sdk/golang/internal/clock"
)

// outgoingTyping is our own typing state in one room.
type outgoingTyping struct {
	limiter *rate.Limiter
	active  bool
	idle    *clock.Timer
	gen     uint64
}

// PresenceSignaler debounces our typing signals and tracks who else is
// typing.
type PresenceSignaler struct {
	conn  *ConnectionManager
	bus   *EventBus
	clock clock.Clock
	log   *zap.Logger

	debounce   time.Duration
	inactivity time.Duration
	liveness   time.Duration

	mu       sync.Mutex
	outgoing map[string]*outgoingTyping
	typing   map[string]map[string]*TypingState
}

func newPresenceSignaler(conn *ConnectionManager, bus *EventBus, clk clock.Clock, log *zap.Logger, cfg *Config) *PresenceSignaler {
	ps := &PresenceSignaler{
		conn:       conn,
		bus:        bus,
		clock:      clk,
		log:        log,
		debounce:   cfg.TypingDebounce,
		inactivity: cfg.TypingInactivity,
		liveness:   cfg.TypingLiveness,
		outgoing:   make(map[string]*outgoingTyping),
		typing:     make(map[string]map[string]*TypingState),
	}
	conn.addStateListener(ps.onStateChange)
	return ps
}

func (ps *PresenceSignaler) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(ps.debounce), 1)
}

// NotifyTyping is called on every keystroke. A typing signal goes out at
// most once per debounce window per room, and stop_typing follows on its
// own once keystrokes stop for the inactivity period.
func (ps *PresenceSignaler) NotifyTyping(ctx context.Context, roomID string) error {
	ps.mu.Lock()
	o, ok := ps.outgoing[roomID]
	if !ok {
		o = &outgoingTyping{limiter: ps.newLimiter()}
		ps.outgoing[roomID] = o
	}
	signal := o.limiter.AllowN(ps.clock.Now(), 1)
	if signal {
		o.active = true
	}
	if o.idle != nil {
		o.idle.Stop()
	}
	o.gen++
	gen := o.gen
	o.idle = ps.clock.AfterFunc(ps.inactivity, func() { ps.idleExpired(roomID, gen) })
	ps.mu.Unlock()

	if !signal {
		return nil
	}
	// If the signal never goes out, reopen the debounce window and drop the
	// idle timer so no stop_typing follows.
	unsent := func() { ps.stop(roomID, gen) }
	if err := ps.conn.send(CommandTyping, roomRef{RoomID: roomID}, PriorityTyping, "", unsent); err != nil {
		unsent()
		return err
	}
	return nil
}

// NotifyStopTyping sends stop_typing if a typing signal is outstanding
// and resets the debounce window.
func (ps *PresenceSignaler) NotifyStopTyping(ctx context.Context, roomID string) error {
	if !ps.stop(roomID, 0) {
		return nil
	}
	return ps.conn.Send(CommandStopTyping, roomRef{RoomID: roomID}, PriorityTyping, "")
}

// stop clears outgoing typing state. gen 0 matches any generation.
func (ps *PresenceSignaler) stop(roomID string, gen uint64) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	o, ok := ps.outgoing[roomID]
	if !ok || (gen != 0 && o.gen != gen) {
		return false
	}
	if o.idle != nil {
		o.idle.Stop()
		o.idle = nil
	}
	o.limiter = ps.newLimiter()
	wasActive := o.active
	o.active = false
	return wasActive
}

func (ps *PresenceSignaler) idleExpired(roomID string, gen uint64) {
	if !ps.stop(roomID, gen) {
		return
	}
	err := ps.conn.Send(CommandStopTyping, roomRef{RoomID: roomID}, PriorityTyping, "")
	if err != nil && !errors.Is(err, ErrNotConnected) {
		ps.log.Debug("auto stop_typing failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (ps *PresenceSignaler) handleTyping(p TypingPayload, typing bool) {
	if p.UserID == ps.conn.UserID() {
		return
	}
	now := ps.clock.Now()

	ps.mu.Lock()
	users, ok := ps.typing[p.RoomID]
	if !ok {
		users = make(map[string]*TypingState)
		ps.typing[p.RoomID] = users
	}
	users[p.UserID] = &TypingState{
		RoomID:       p.RoomID,
		UserID:       p.UserID,
		IsTyping:     typing,
		LastSignalAt: now,
	}
	ps.mu.Unlock()

	if typing {
		ps.bus.Publish(UserTypingEvent{RoomID: p.RoomID, UserID: p.UserID, At: now})
		return
	}
	ps.bus.Publish(UserStopTypingEvent{RoomID: p.RoomID, UserID: p.UserID, At: now})
}

// TypingUsers returns the users currently typing in a room, sorted by
// user ID. Entries older than the liveness window are dropped.
func (ps *PresenceSignaler) TypingUsers(roomID string) []TypingState {
	now := ps.clock.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	var out []TypingState
	for userID, st := range ps.typing[roomID] {
		if !st.IsTyping || now.Sub(st.LastSignalAt) > ps.liveness {
			delete(ps.typing[roomID], userID)
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (ps *PresenceSignaler) onStateChange(from, to ConnectionState) {
	if to != StateDisconnected && to != StateReconnecting {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, o := range ps.outgoing {
		if o.idle != nil {
			o.idle.Stop()
		}
	}
	ps.outgoing = make(map[string]*outgoingTyping)
	ps.typing = make(map[string]map[string]*TypingState)
}
