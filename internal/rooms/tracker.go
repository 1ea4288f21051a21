// Package rooms tracks which conversation rooms this client joined on the
// server.
package rooms

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/events"
)

// Emitter is the slice of the connection manager the tracker needs.
type Emitter interface {
	Emit(ctx context.Context, evt events.Event) error
	IsAuthenticated() bool
}

// Tracker records room membership. It never leaves a room on its own when
// another one is joined; screens pair Join with Leave.
type Tracker struct {
	conn   Emitter
	logger *zap.Logger

	mu     sync.Mutex
	joined map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker(conn Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		conn:   conn,
		logger: logger,
		joined: make(map[string]struct{}),
	}
}

// Join requests membership of a conversation room. It reports whether the
// client is a member afterwards. Joining before authentication is logged and
// skipped; callers retry once authenticated.
func (t *Tracker) Join(ctx context.Context, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.joined[conversationID]; ok {
		return true
	}
	if !t.conn.IsAuthenticated() {
		t.logger.Warn("join skipped, not authenticated", zap.String("conversation_id", conversationID))
		return false
	}
	if err := t.conn.Emit(ctx, events.JoinConversation{ConversationID: conversationID}); err != nil {
		t.logger.Warn("join failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}
	t.joined[conversationID] = struct{}{}
	t.logger.Debug("joined conversation", zap.String("conversation_id", conversationID))
	return true
}

// Leave drops membership. Leaving a room that was never joined sends nothing.
func (t *Tracker) Leave(ctx context.Context, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.joined[conversationID]; !ok {
		return
	}
	delete(t.joined, conversationID)
	if err := t.conn.Emit(ctx, events.LeaveConversation{ConversationID: conversationID}); err != nil {
		t.logger.Debug("leave not sent", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// IsJoined reports whether the client is a member of the room.
func (t *Tracker) IsJoined(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[conversationID]
	return ok
}

// Joined returns the joined rooms in sorted order.
func (t *Tracker) Joined() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.joined))
	for id := range t.joined {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Reset forgets every membership without sending anything.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.joined)
}

// Watch resets membership whenever the transport drops, since the server
// forgets rooms with the socket.
func (t *Tracker) Watch(b *bus.Bus) bus.Subscription {
	return bus.On(b, func(e events.ConnectionStatus) {
		if !e.Connected {
			t.Reset()
		}
	})
}
