package chat

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bazaarly/marketplace/sdk/golang/internal/clock"
)

// Config tunes a Session. Zero fields take the defaults below.
type Config struct {
	// ReconnectBaseDelay is the first backoff interval after a drop.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the backoff interval.
	ReconnectMaxDelay time.Duration
	// ReconnectJitter is the backoff randomization factor (0..1).
	ReconnectJitter float64

	// HeartbeatInterval is the ping period. Negative disables pings.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// HandshakeTimeout bounds the wait for the authenticated frame.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// OutboxLimit bounds commands queued while (re)connecting. Chat
	// messages are never dropped and may push the queue past the limit.
	OutboxLimit int

	// AckTimeout is how long a sent message may stay pending.
	AckTimeout time.Duration

	// TypingDebounce is the minimum gap between typing signals per room.
	TypingDebounce time.Duration
	// TypingInactivity sends stop_typing when NotifyTyping stops coming.
	TypingInactivity time.Duration
	// TypingLiveness is the age after which inbound typing state is stale.
	TypingLiveness time.Duration

	// BacklogPageSize is the history page requested on first join.
	BacklogPageSize int
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.OutboxLimit == 0 {
		c.OutboxLimit = 256
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = 3 * time.Second
	}
	if c.TypingInactivity == 0 {
		c.TypingInactivity = 5 * time.Second
	}
	if c.TypingLiveness == 0 {
		c.TypingLiveness = 2 * c.TypingDebounce
	}
	if c.BacklogPageSize == 0 {
		c.BacklogPageSize = 50
	}
}

// TokenProvider supplies the current auth token. Refreshing it is the
// provider's job; the session only reads it before each reconnect.
type TokenProvider interface {
	CurrentToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

func (t StaticToken) CurrentToken(context.Context) (string, error) { return string(t), nil }

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) CurrentToken(ctx context.Context) (string, error) { return f(ctx) }

// Option configures a Session.
type Option func(*options)

type options struct {
	config     Config
	dialer     Dialer
	httpClient *http.Client
	logger     *zap.Logger
	clock      clock.Clock
	tokens     TokenProvider
	backlog    BacklogFetcher
}

// WithConfig replaces the tuning knobs. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithDialer replaces the WebSocket dialer, e.g. with an in-memory
// transport in tests.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHTTPClient sets the client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTokenProvider makes reconnects read a fresh token instead of
// reusing the one passed to Connect.
func WithTokenProvider(p TokenProvider) Option {
	return func(o *options) { o.tokens = p }
}

// WithBacklog loads room history the first time a room is joined.
func WithBacklog(b BacklogFetcher) Option {
	return func(o *options) { o.backlog = b }
}
