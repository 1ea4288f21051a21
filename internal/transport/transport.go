// Package transport carries realtime event envelopes between the client and
// the chat server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/besafe/chat/internal/events"
)

var (
	// ErrClosed is returned by Read and Write once the connection is closed.
	ErrClosed = errors.New("transport: connection closed")
	// ErrMalformed is returned by Read for a frame that is not an envelope.
	// The connection stays usable.
	ErrMalformed = errors.New("transport: malformed frame")
)

// Conn is a bidirectional stream of envelopes.
type Conn interface {
	Read(ctx context.Context) (events.Envelope, error)
	Write(ctx context.Context, env events.Envelope) error
	Close(reason string) error
}

// Dialer opens new connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// readLimit bounds a single inbound frame.
const readLimit = 1 << 20

// WebSocketDialer dials the realtime endpoint over WebSocket.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.URL == "" {
		return nil, errors.New("transport: realtime url not configured")
	}
	conn, _, err := websocket.Dial(ctx, WebSocketURL(d.URL), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn}, nil
}

// WebSocketURL rewrites http(s) schemes to ws(s).
func WebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (events.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return events.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return events.Envelope{}, err
	}
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return events.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, env events.Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
