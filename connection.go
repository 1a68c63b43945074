package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bazaarly/marketplace/sdk/golang/internal/clock"
)

// StateListener observes connection transitions synchronously, before
// the ConnectionStateChanged event is published and before queued
// commands are flushed.
type StateListener func(from, to ConnectionState)

// ConnectionManager owns the transport: connect, disconnect, automatic
// reconnection with backoff, heartbeat, and the outbound queue.
type ConnectionManager struct {
	cfg    *Config
	dialer Dialer
	tokens TokenProvider
	clock  clock.Clock
	log    *zap.Logger
	bus    *EventBus

	onFrame   func(Envelope)
	listeners []StateListener

	// transitions serializes state changes together with their
	// notifications so observers see them in order.
	transitions sync.Mutex

	mu         sync.Mutex
	state      ConnectionState
	token      string
	userID     string
	conn       Conn
	connID     uint64
	epoch      uint64
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	connCancel context.CancelFunc
	retry      *backoff.ExponentialBackOff
	attempt    int
	retryTimer *clock.Timer
	queue      *outbox
	wake       chan struct{}
}

func newConnectionManager(cfg *Config, dialer Dialer, tokens TokenProvider, clk clock.Clock, log *zap.Logger, bus *EventBus) *ConnectionManager {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.ReconnectBaseDelay
	retry.MaxInterval = cfg.ReconnectMaxDelay
	retry.RandomizationFactor = cfg.ReconnectJitter
	retry.Multiplier = 2
	retry.MaxElapsedTime = 0
	retry.Clock = clk
	retry.Reset()

	return &ConnectionManager{
		cfg:    cfg,
		dialer: dialer,
		tokens: tokens,
		clock:  clk,
		log:    log,
		bus:    bus,
		state:  StateDisconnected,
		retry:  retry,
		queue:  newOutbox(cfg.OutboxLimit),
		wake:   make(chan struct{}, 1),
	}
}

// addStateListener must be called before Connect.
func (cm *ConnectionManager) addStateListener(l StateListener) {
	cm.listeners = append(cm.listeners, l)
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// UserID is the identity the server authenticated, empty before the
// first successful connect.
func (cm *ConnectionManager) UserID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.userID
}

// Connect opens the transport with token attached and waits for the
// server to authenticate it. It is a no-op unless the manager is
// disconnected.
func (cm *ConnectionManager) Connect(ctx context.Context, token string) error {
	cm.transitions.Lock()
	cm.mu.Lock()
	if cm.state != StateDisconnected {
		cm.mu.Unlock()
		cm.transitions.Unlock()
		return nil
	}
	cm.token = token
	cm.lifeCtx, cm.lifeCancel = context.WithCancel(context.Background())
	epoch := cm.epoch
	lifeCtx := cm.lifeCtx
	cm.state = StateConnecting
	cm.mu.Unlock()
	cm.notify(StateDisconnected, StateConnecting, nil)
	cm.transitions.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(lifeCtx, cancel)
	conn, userID, err := cm.open(dialCtx, token)
	stop()
	cancel()

	if err != nil {
		cm.transitions.Lock()
		defer cm.transitions.Unlock()
		cm.mu.Lock()
		if cm.epoch != epoch || cm.state != StateConnecting {
			cm.mu.Unlock()
			return err
		}
		dropped := cm.resetLocked()
		cm.mu.Unlock()
		discard(dropped)
		cm.notify(StateConnecting, StateDisconnected, err)
		return err
	}
	return cm.established(conn, userID, epoch)
}

// Disconnect tears the transport down. It cancels any pending reconnect,
// drops queued commands and always succeeds.
func (cm *ConnectionManager) Disconnect() {
	cm.transitions.Lock()
	defer cm.transitions.Unlock()

	cm.mu.Lock()
	from := cm.state
	conn := cm.conn
	dropped := cm.resetLocked()
	cm.mu.Unlock()
	discard(dropped)

	if conn != nil {
		if err := conn.Close("client disconnect"); err != nil {
			cm.log.Debug("close transport", zap.Error(err))
		}
	}
	if len(dropped) > 0 {
		cm.log.Info("dropped queued commands on disconnect", zap.Int("count", len(dropped)))
	}
	cm.notify(from, StateDisconnected, nil)
}

// resetLocked moves to Disconnected and releases everything tied to the
// current session lifetime. It returns the queued commands it dropped;
// the caller passes them to discard once cm.mu is released.
func (cm *ConnectionManager) resetLocked() []*outboxEntry {
	cm.epoch++
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	if cm.connCancel != nil {
		cm.connCancel()
		cm.connCancel = nil
	}
	if cm.lifeCancel != nil {
		cm.lifeCancel()
		cm.lifeCancel = nil
	}
	cm.conn = nil
	dropped := cm.queue.clear()
	cm.attempt = 0
	cm.retry.Reset()
	cm.state = StateDisconnected
	return dropped
}

// open dials and performs the authentication handshake.
func (cm *ConnectionManager) open(ctx context.Context, token string) (Conn, string, error) {
	conn, err := cm.dialer.Dial(ctx, token)
	if err != nil {
		return nil, "", classifyDialError(err)
	}

	hctx, cancel := context.WithTimeout(ctx, cm.cfg.HandshakeTimeout)
	defer cancel()

	data, err := conn.Read(hctx)
	if err != nil {
		conn.Close("handshake failed")
		return nil, "", classifyDialError(fmt.Errorf("read handshake: %w", err))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close("handshake failed")
		return nil, "", fmt.Errorf("%w: malformed handshake frame: %v", ErrTransportUnavailable, err)
	}
	switch env.Type {
	case FrameAuthenticated:
		var p AuthenticatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			conn.Close("handshake failed")
			return nil, "", fmt.Errorf("%w: malformed authenticated payload: %v", ErrTransportUnavailable, err)
		}
		return conn, p.UserID, nil
	case FrameAuthRejected:
		conn.Close("auth rejected")
		return nil, "", ErrAuthRejected
	default:
		conn.Close("handshake failed")
		return nil, "", fmt.Errorf("%w: expected %q, got %q", ErrTransportUnavailable, FrameAuthenticated, env.Type)
	}
}

func classifyDialError(err error) error {
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
}

// established installs a freshly authenticated connection. State
// listeners run before the writer starts, so anything they transmit goes
// out ahead of the queued commands.
func (cm *ConnectionManager) established(conn Conn, userID string, epoch uint64) error {
	cm.transitions.Lock()
	defer cm.transitions.Unlock()

	cm.mu.Lock()
	if cm.epoch != epoch || cm.state == StateDisconnected || cm.state == StateConnected {
		cm.mu.Unlock()
		conn.Close("superseded")
		return ErrNotConnected
	}
	from := cm.state
	cm.connID++
	id := cm.connID
	cm.conn = conn
	cm.userID = userID
	ctx, cancel := context.WithCancel(cm.lifeCtx)
	cm.connCancel = cancel
	cm.retry.Reset()
	cm.attempt = 0
	cm.state = StateConnected
	cm.mu.Unlock()

	go cm.readLoop(ctx, conn, id)
	if cm.cfg.HeartbeatInterval > 0 {
		go cm.heartbeatLoop(ctx, conn)
	}

	cm.notify(from, StateConnected, nil)
	go cm.writeLoop(ctx, conn, id)
	return nil
}

func (cm *ConnectionManager) notify(from, to ConnectionState, err error) {
	if from == to {
		return
	}
	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	cm.log.Info("connection state changed", fields...)

	for _, l := range cm.listeners {
		l(from, to)
	}
	cm.bus.Publish(ConnectionStateChangedEvent{From: from, To: to, Err: err})
}

func (cm *ConnectionManager) readLoop(ctx context.Context, conn Conn, id uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			cm.handleDrop(id, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			cm.log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		if cm.onFrame != nil {
			cm.onFrame(env)
		}
	}
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := cm.clock.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, cm.cfg.HeartbeatTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				cm.log.Warn("heartbeat failed, closing transport", zap.Error(err))
				conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop reacts to the read side of connection id failing.
func (cm *ConnectionManager) handleDrop(id uint64, cause error) {
	cm.transitions.Lock()
	defer cm.transitions.Unlock()

	cm.mu.Lock()
	if cm.connID != id || cm.state != StateConnected {
		// Closed on purpose or already replaced.
		cm.mu.Unlock()
		return
	}
	conn := cm.conn
	cm.conn = nil
	if cm.connCancel != nil {
		cm.connCancel()
		cm.connCancel = nil
	}

	if errors.Is(cause, ErrAuthRejected) {
		dropped := cm.resetLocked()
		cm.mu.Unlock()
		discard(dropped)
		conn.Close("auth rejected")
		cm.notify(StateConnected, StateDisconnected, ErrAuthRejected)
		return
	}

	cm.state = StateReconnecting
	epoch := cm.epoch
	cm.mu.Unlock()

	conn.Close("transport lost")
	cm.notify(StateConnected, StateReconnecting, fmt.Errorf("%w: %v", ErrTransportUnavailable, cause))
	cm.scheduleReconnect(epoch)
}

func (cm *ConnectionManager) scheduleReconnect(epoch uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.epoch != epoch || cm.state != StateReconnecting {
		return
	}

	delay := cm.retry.NextBackOff()
	if delay <= 0 {
		delay = cm.cfg.ReconnectBaseDelay
	}
	cm.attempt++
	cm.log.Info("scheduling reconnect",
		zap.Int("attempt", cm.attempt),
		zap.Duration("delay", delay),
	)
	cm.retryTimer = cm.clock.AfterFunc(delay, func() { cm.reconnect(epoch) })
}

func (cm *ConnectionManager) reconnect(epoch uint64) {
	cm.mu.Lock()
	if cm.epoch != epoch || cm.state != StateReconnecting {
		cm.mu.Unlock()
		return
	}
	cm.retryTimer = nil
	ctx := cm.lifeCtx
	token := cm.token
	cm.mu.Unlock()

	if cm.tokens != nil {
		fresh, err := cm.tokens.CurrentToken(ctx)
		if err != nil {
			cm.log.Warn("token provider failed", zap.Error(err))
			cm.scheduleReconnect(epoch)
			return
		}
		token = fresh
		cm.mu.Lock()
		cm.token = fresh
		cm.mu.Unlock()
	}

	conn, userID, err := cm.open(ctx, token)
	if err == nil {
		cm.established(conn, userID, epoch)
		return
	}

	if errors.Is(err, ErrAuthRejected) {
		cm.transitions.Lock()
		defer cm.transitions.Unlock()
		cm.mu.Lock()
		if cm.epoch != epoch || cm.state != StateReconnecting {
			cm.mu.Unlock()
			return
		}
		dropped := cm.resetLocked()
		cm.mu.Unlock()
		discard(dropped)
		cm.notify(StateReconnecting, StateDisconnected, err)
		return
	}

	cm.log.Debug("reconnect attempt failed", zap.Error(err))
	cm.scheduleReconnect(epoch)
}

// Send queues a command for the current or next connection. It never
// blocks on the network. While disconnected it returns ErrNotConnected.
func (cm *ConnectionManager) Send(kind string, payload any, priority Priority, key string) error {
	return cm.send(kind, payload, priority, key, nil)
}

// send is Send with a hook that runs if the command is dropped from the
// queue without being written.
func (cm *ConnectionManager) send(kind string, payload any, priority Priority, key string, discarded func()) error {
	data, err := json.Marshal(Command{Type: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	cm.mu.Lock()
	if cm.state == StateDisconnected {
		cm.mu.Unlock()
		return ErrNotConnected
	}
	dropped := cm.queue.push(&outboxEntry{
		kind:      kind,
		data:      data,
		priority:  priority,
		key:       key,
		queuedAt:  cm.clock.Now(),
		discarded: discarded,
	})
	cm.mu.Unlock()

	if dropped != nil {
		cm.log.Debug("outbox full, dropped command",
			zap.String("kind", dropped.kind),
			zap.Time("queued_at", dropped.queuedAt),
		)
		discard([]*outboxEntry{dropped})
	}
	select {
	case cm.wake <- struct{}{}:
	default:
	}
	return nil
}

// Withdraw removes a queued command that has not been written yet.
func (cm *ConnectionManager) Withdraw(key string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.queue.remove(key)
}

// Transmit writes a command on the current connection immediately,
// bypassing the queue. It fails with ErrNotConnected unless connected.
func (cm *ConnectionManager) Transmit(ctx context.Context, kind string, payload any) error {
	cm.mu.Lock()
	conn := cm.conn
	connected := cm.state == StateConnected
	cm.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(Command{Type: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return cm.write(ctx, conn, data)
}

func (cm *ConnectionManager) write(ctx context.Context, conn Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, cm.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

// writeLoop drains the outbox onto connection id until it is replaced.
func (cm *ConnectionManager) writeLoop(ctx context.Context, conn Conn, id uint64) {
	for {
		cm.mu.Lock()
		if cm.connID != id || cm.state != StateConnected {
			cm.mu.Unlock()
			return
		}
		e := cm.queue.pop()
		cm.mu.Unlock()

		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-cm.wake:
			}
			continue
		}

		if err := cm.write(ctx, conn, e.data); err != nil {
			cm.mu.Lock()
			requeued := cm.state != StateDisconnected
			if requeued {
				cm.queue.pushFront(e)
			}
			cm.mu.Unlock()
			if !requeued {
				discard([]*outboxEntry{e})
			}
			if ctx.Err() == nil {
				cm.log.Warn("write failed, closing transport", zap.String("kind", e.kind), zap.Error(err))
				conn.Close("write failed")
			}
			return
		}
	}
}

func (cm *ConnectionManager) queued() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.queue.len()
}

func (cm *ConnectionManager) reconnectAttempt() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempt
}
