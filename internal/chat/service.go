// Package chat holds the headless controllers the front-ends drive: one
// Screen per open conversation and the conversation list.
package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/connection"
	"github.com/besafe/chat/internal/delivery"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/reconcile"
	"github.com/besafe/chat/internal/rooms"
	"github.com/besafe/chat/internal/typing"
)

var (
	// ErrEmptyMessage is returned when a send carries only whitespace.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrClosed is returned by operations on a closed screen.
	ErrClosed = errors.New("chat: screen closed")
	// ErrNotSignedIn means no user id is known yet to derive a conversation.
	ErrNotSignedIn = errors.New("chat: not signed in")
)

// API is the part of the REST client the controllers read from.
type API interface {
	History(ctx context.Context, contactID string) ([]events.MessagePayload, error)
	ListConversations(ctx context.Context) ([]apiclient.Conversation, error)
}

// ConversationID derives the one-to-one conversation id of a and b.
func ConversationID(a, b string) string { return reconcile.ConversationKey(a, b) }

// Service bundles the client core shared by every screen.
type Service struct {
	Conn     *connection.Manager
	Rooms    *rooms.Tracker
	Engine   *reconcile.Engine
	Delivery *delivery.Coordinator
	Typing   *typing.Signaler
	API      API

	logger *zap.Logger

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewService assembles a service. Call Start to register the core hooks.
func NewService(conn *connection.Manager, tracker *rooms.Tracker, engine *reconcile.Engine,
	coord *delivery.Coordinator, sig *typing.Signaler, api API, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Conn:     conn,
		Rooms:    tracker,
		Engine:   engine,
		Delivery: coord,
		Typing:   sig,
		API:      api,
		logger:   logger,
	}
}

// Start registers the long-lived hooks on the connection's core bus. They
// run before application listeners and survive Disconnect.
func (s *Service) Start() {
	core := s.Conn.Core()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs != nil {
		return
	}
	s.subs = append(s.subs,
		bus.On(core, func(e events.Authenticated) {
			s.Engine.SetSelf(e.User.ID.String())
		}),
		s.Rooms.Watch(core),
	)
	s.Typing.Watch(core)
	s.Delivery.Watch(core)
}

// Stop removes the hooks and cancels every pending timer.
func (s *Service) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		s.Conn.Core().Off(sub)
	}
	s.Delivery.Close()
	s.Typing.Close()
}

// Self returns the signed-in user id, or "" before authentication.
func (s *Service) Self() string {
	if id := s.Conn.User().ID.String(); id != "" {
		return id
	}
	return s.Engine.Self()
}
