package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// Conn is one established transport connection carrying JSON frames.
// Read is only called from one goroutine; Write, Ping and Close may be
// called concurrently with it.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens transport connections with the token attached.
//
// Dial returns an error wrapping ErrAuthRejected when the server refuses
// the credentials, and one wrapping ErrTransportUnavailable otherwise.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// statusAuthRejected is the close code the server uses to drop a
// connection whose token is no longer valid.
const statusAuthRejected websocket.StatusCode = 4001

const maxFrameSize = 1 << 20

// WebSocketDialer dials the chat server over WebSocket.
type WebSocketDialer struct {
	// URL of the realtime endpoint. http(s) schemes are converted to
	// ws(s).
	URL        string
	HTTPClient *http.Client
}

// NewWebSocketDialer returns a dialer for the server at baseURL. The
// realtime endpoint is {baseURL}/ws unless baseURL already names one.
func NewWebSocketDialer(baseURL string, client *http.Client) *WebSocketDialer {
	u := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return &WebSocketDialer{URL: u, HTTPClient: client}
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade returned HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: websocket dial: %v", ErrTransportUnavailable, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == statusAuthRejected {
				return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(reason string) error {
	err := c.conn.Close(websocket.StatusNormalClosure, reason)
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		// Already closed by the peer.
		return nil
	}
	return err
}
