// Package delivery routes outgoing messages over the realtime channel or the
// REST fallback and feeds the result into the reconciliation engine.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/clock"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/metrics"
	"github.com/besafe/chat/internal/reconcile"
)

// DefaultConfirmTimeout is how long a realtime send waits for message_sent.
const DefaultConfirmTimeout = 10 * time.Second

var (
	ErrNotFound  = errors.New("delivery: message not found")
	ErrNotFailed = errors.New("delivery: message has not failed")
)

// Route is the path a send took.
type Route string

const (
	Realtime Route = "realtime"
	Fallback Route = "fallback"
)

// Outcome is the immediate result of a send. Realtime sends return Pending
// and settle later through the engine.
type Outcome struct {
	LocalID string
	Route   Route
	State   reconcile.State
	Err     error
}

// Channel is the slice of the connection manager the coordinator needs.
type Channel interface {
	Emit(ctx context.Context, evt events.Event) error
	IsAuthenticated() bool
}

// Sender is the REST send endpoint.
type Sender interface {
	SendMessage(ctx context.Context, req apiclient.SendRequest) (events.MessagePayload, error)
}

// Publisher receives delivery state changes made outside a caller's Send.
type Publisher interface {
	Publish(evt events.Event)
}

type inflight struct {
	task           clock.Task
	conversationID string
	sentAt         time.Time
}

// Coordinator decides the route of each send once, at send time. A realtime
// send that fails or times out is marked failed; it is never re-routed.
type Coordinator struct {
	engine  *reconcile.Engine
	channel Channel
	api     Sender
	pub     Publisher
	sched   clock.Scheduler
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Client

	mu      sync.Mutex
	pending map[string]*inflight
	watched *bus.Bus
	sub     bus.Subscription
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithScheduler(s clock.Scheduler) Option { return func(c *Coordinator) { c.sched = s } }
func WithPublisher(p Publisher) Option       { return func(c *Coordinator) { c.pub = p } }
func WithLogger(l *zap.Logger) Option        { return func(c *Coordinator) { c.logger = l } }
func WithMetrics(m *metrics.Client) Option   { return func(c *Coordinator) { c.metrics = m } }

// WithConfirmTimeout overrides DefaultConfirmTimeout.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a coordinator.
func New(engine *reconcile.Engine, channel Channel, api Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:  engine,
		channel: channel,
		api:     api,
		sched:   clock.Real(),
		timeout: DefaultConfirmTimeout,
		logger:  zap.NewNop(),
		pending: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Watch registers the message_sent hook on b.
func (c *Coordinator) Watch(b *bus.Bus) {
	sub := bus.On(b, c.HandleConfirmation)
	c.mu.Lock()
	c.watched, c.sub = b, sub
	c.mu.Unlock()
}

// Send records an optimistic message and delivers it. It blocks on the REST
// call when the fallback route is taken.
func (c *Coordinator) Send(ctx context.Context, conversationID, body, receiverID string) Outcome {
	localID := c.engine.SendLocal(conversationID, body, receiverID)
	return c.deliver(ctx, localID, conversationID, body, receiverID)
}

// SendAsync records an optimistic message, returns its local id at once and
// delivers in the background. done, when not nil, receives the outcome.
func (c *Coordinator) SendAsync(ctx context.Context, conversationID, body, receiverID string, done func(Outcome)) string {
	localID := c.engine.SendLocal(conversationID, body, receiverID)
	go func() {
		out := c.deliver(ctx, localID, conversationID, body, receiverID)
		if done != nil {
			done(out)
		}
	}()
	return localID
}

func (c *Coordinator) deliver(ctx context.Context, localID, conversationID, body, receiverID string) Outcome {
	if c.channel.IsAuthenticated() {
		return c.sendRealtime(ctx, localID, conversationID, body, receiverID)
	}
	return c.sendFallback(ctx, localID, conversationID, body, receiverID)
}

func (c *Coordinator) sendRealtime(ctx context.Context, localID, conversationID, body, receiverID string) Outcome {
	c.arm(localID, conversationID)
	err := c.channel.Emit(ctx, events.SendMessage{
		ConversationID: conversationID,
		Message:        body,
		ReceiverID:     events.ID(receiverID),
		TempID:         localID,
	})
	if err != nil {
		c.disarm(localID)
		c.engine.MarkFailed(localID)
		c.metrics.Send(string(Realtime), reconcile.Failed.String())
		c.logger.Warn("realtime send failed", zap.String("local_id", localID), zap.Error(err))
		return Outcome{LocalID: localID, Route: Realtime, State: reconcile.Failed, Err: err}
	}
	c.metrics.Send(string(Realtime), reconcile.Pending.String())
	return Outcome{LocalID: localID, Route: Realtime, State: reconcile.Pending}
}

func (c *Coordinator) sendFallback(ctx context.Context, localID, conversationID, body, receiverID string) Outcome {
	msg, err := c.api.SendMessage(ctx, apiclient.SendRequest{
		ReceiverID:     receiverID,
		Message:        body,
		TempID:         localID,
		ConversationID: conversationID,
	})
	if err != nil {
		c.engine.MarkFailed(localID)
		c.metrics.Send(string(Fallback), reconcile.Failed.String())
		c.logger.Warn("fallback send failed", zap.String("local_id", localID), zap.Error(err))
		return Outcome{LocalID: localID, Route: Fallback, State: reconcile.Failed, Err: err}
	}

	in := reconcile.FromPayload(msg)
	in.LocalID = localID
	out := c.engine.ApplyIncoming(in)
	if out.Action == reconcile.Ignored {
		// The entry was dropped while the request was in flight.
		c.logger.Warn("fallback reply not reconciled", zap.String("local_id", localID))
		return Outcome{LocalID: localID, Route: Fallback, State: reconcile.Failed, Err: ErrNotFound}
	}
	c.metrics.Send(string(Fallback), out.Message.State.String())
	return Outcome{LocalID: localID, Route: Fallback, State: out.Message.State}
}

func (c *Coordinator) arm(localID, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[localID] = &inflight{
		task:           c.sched.AfterFunc(c.timeout, func() { c.expire(localID) }),
		conversationID: conversationID,
		sentAt:         c.sched.Now(),
	}
}

func (c *Coordinator) disarm(localID string) (*inflight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.pending[localID]
	if !ok {
		return nil, false
	}
	f.task.Stop()
	delete(c.pending, localID)
	return f, true
}

func (c *Coordinator) expire(localID string) {
	c.mu.Lock()
	f, ok := c.pending[localID]
	delete(c.pending, localID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if !c.engine.MarkFailed(localID) {
		return
	}
	c.metrics.Send(string(Realtime), reconcile.Failed.String())
	c.logger.Warn("send not confirmed", zap.String("local_id", localID), zap.Duration("timeout", c.timeout))
	if c.pub != nil {
		c.pub.Publish(events.DeliveryUpdated{
			LocalID:        localID,
			ConversationID: f.conversationID,
			State:          reconcile.Failed.String(),
		})
	}
}

// HandleConfirmation applies a message_sent event. Confirmations for
// messages this client no longer tracks are ignored.
func (c *Coordinator) HandleConfirmation(e events.MessageSent) {
	f, ok := c.disarm(e.TempID)
	if !ok {
		if _, known := c.engine.Find(e.TempID); e.TempID == "" || !known {
			c.logger.Debug("ignoring confirmation for unknown message", zap.String("temp_id", e.TempID))
			return
		}
	}
	out := c.engine.ApplyIncoming(reconcile.FromPayload(e.MessagePayload))
	if ok {
		c.metrics.Send(string(Realtime), reconcile.Sent.String())
		c.metrics.Confirmed(c.sched.Now().Sub(f.sentAt))
	}
	c.logger.Debug("send confirmed",
		zap.String("local_id", e.TempID),
		zap.String("server_id", out.Message.ServerID),
		zap.String("action", out.Action.String()),
	)
}

// Retry discards a failed message and sends its body again.
func (c *Coordinator) Retry(ctx context.Context, localID string) (Outcome, error) {
	m, ok := c.engine.Find(localID)
	if !ok {
		return Outcome{}, ErrNotFound
	}
	if m.State != reconcile.Failed {
		return Outcome{}, ErrNotFailed
	}
	c.engine.Discard(localID)
	return c.Send(ctx, m.ConversationID, m.Body, m.ReceiverID), nil
}

// Pending returns the number of realtime sends awaiting confirmation.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels every confirmation timer and removes the bus hook.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, f := range c.pending {
		f.task.Stop()
		delete(c.pending, id)
	}
	if c.watched != nil {
		c.watched.Off(c.sub)
		c.watched = nil
	}
}
