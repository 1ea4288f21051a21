package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/besafe/chat/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufSize    = 256
)

// client is one WebSocket connection.
// Lifecycle: newClient -> start -> [readPump, writePump] -> close.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan events.Envelope
	logger *zap.Logger

	mu   sync.RWMutex
	user events.User

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *client {
	return &client{
		hub:    hub,
		conn:   conn,
		send:   make(chan events.Envelope, sendBufSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (c *client) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *client) userID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.ID.String()
}

func (c *client) setUser(u events.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

// close stops the pumps. Safe to call multiple times from any goroutine.
func (c *client) close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// deliver queues an event without blocking; a full buffer drops the client.
func (c *client) deliver(evt events.Event) {
	env, err := events.Encode(evt)
	if err != nil {
		c.logger.Error("encode outbound event", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- env:
	default:
		c.logger.Warn("client send buffer full, dropping connection", zap.String("user_id", c.userID()))
		c.close()
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws read error", zap.String("user_id", c.userID()), zap.Error(err))
			}
			return
		}
		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("ws unmarshal error", zap.Error(err))
			continue
		}
		evt, err := events.Decode(env)
		if err != nil {
			c.logger.Debug("ws decode error", zap.String("event", string(env.Event)), zap.Error(err))
			continue
		}
		c.hub.handle(ctx, c, evt)
	}
}

func (c *client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
