package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bazaarly/marketplace/sdk/golang/internal/clock"
)

// ============================================================================
// In-memory transport
// ============================================================================

const testWait = 2 * time.Second

var errConnClosed = errors.New("fake conn closed")

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	pingErr error

	mu      sync.Mutex
	readErr error
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.out <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fail drops the connection from the server side with err.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.Close("")
}

// push delivers a server frame.
func (c *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	c.in <- data
}

// next returns the next frame the client wrote.
func (c *fakeConn) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode client frame: %v", err)
		}
		return env
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a client frame")
		return Envelope{}
	}
}

// expect returns the next frame's payload decoded into T, failing unless
// it has type typ.
func expect[T any](t *testing.T, c *fakeConn, typ string) T {
	t.Helper()
	env := c.next(t)
	if env.Type != typ {
		t.Fatalf("client frame type = %q, want %q (payload %s)", env.Type, typ, env.Payload)
	}
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", typ, err)
	}
	return p
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected client frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeDialer struct {
	userID string
	conns  chan *fakeConn

	mu      sync.Mutex
	dials   int
	tokens  []string
	err     error
	reject  bool
	pingErr error
}

func newFakeDialer(userID string) *fakeDialer {
	return &fakeDialer{userID: userID, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)
	err, reject, pingErr := d.err, d.reject, d.pingErr
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	c.pingErr = pingErr
	if reject {
		data, _ := json.Marshal(Envelope{Type: FrameAuthRejected})
		c.in <- data
	} else {
		raw, _ := json.Marshal(AuthenticatedPayload{UserID: d.userID})
		data, _ := json.Marshal(Envelope{Type: FrameAuthenticated, Payload: raw})
		c.in <- data
	}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) setReject(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject = reject
}

func (d *fakeDialer) setPingErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingErr = err
}

func (d *fakeDialer) token(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// ============================================================================
// Session fixtures
// ============================================================================

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	s      *Session
	dialer *fakeDialer
	clock  *clock.FakeClock
	events *eventLog
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = -1
	}
	h := &harness{
		dialer: newFakeDialer("u-me"),
		clock:  clock.Fake(testEpoch),
	}
	all := append([]Option{WithDialer(h.dialer), WithClock(h.clock), WithConfig(cfg)}, opts...)
	h.s = New("http://chat.test", all...)
	h.events = recordEvents(h.s.Events())
	t.Cleanup(h.s.Close)
	return h
}

// connect connects the session and returns the server side of the
// connection.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.s.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h.dialer.conn(t)
}

// drop kills conn and waits until the reconnect timer is armed.
func (h *harness) drop(t *testing.T, conn *fakeConn) {
	t.Helper()
	attempt := h.s.conn.reconnectAttempt()
	conn.fail(errors.New("connection reset by peer"))
	waitUntil(t, "reconnect scheduled", func() bool {
		return h.s.conn.reconnectAttempt() > attempt
	})
}

// reconnect fires the first reconnect attempt (1s with up to 50% jitter)
// and returns the new connection.
func (h *harness) reconnect(t *testing.T) *fakeConn {
	t.Helper()
	h.clock.Advance(1600 * time.Millisecond)
	return h.dialer.conn(t)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================================
// Event recording
// ============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func recordEvents(bus *EventBus) *eventLog {
	l := &eventLog{notify: make(chan struct{}, 1)}
	bus.OnAny(func(ev Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		select {
		case l.notify <- struct{}{}:
		default:
		}
	})
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor blocks until an event matching match has been recorded and
// returns the first one.
func waitFor[T Event](t *testing.T, l *eventLog, match func(T) bool) T {
	t.Helper()
	deadline := time.After(testWait)
	for {
		for _, ev := range l.all() {
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		}
		select {
		case <-l.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T event", zero)
			return zero
		}
	}
}
