package devserver

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/metrics"
)

// Hub tracks connected clients, their users and room membership.
type Hub struct {
	store   *Store
	logger  *zap.Logger
	metrics *metrics.Server

	mu      sync.RWMutex
	clients map[*client]struct{}
	byUser  map[string]map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

func newHub(store *Store, logger *zap.Logger, m *metrics.Server) *Hub {
	return &Hub{
		store:   store,
		logger:  logger,
		metrics: m,
		clients: make(map[*client]struct{}),
		byUser:  make(map[string]map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.Connections.Inc()
	}
}

func (h *Hub) unregister(c *client) {
	userID := c.userID()
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for id, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, id)
		}
	}
	wentOffline := false
	if set, ok := h.byUser[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, userID)
			wentOffline = true
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.Dec()
	}
	if wentOffline {
		h.broadcastAll(events.UserOffline{UserID: events.ID(userID)}, nil)
	}
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
	for _, c := range all {
		c.wg.Wait()
	}
}

func (h *Hub) handle(ctx context.Context, c *client, evt events.Event) {
	if e, ok := evt.(events.Authenticate); ok {
		h.authenticate(c, e)
		return
	}
	if c.userID() == "" {
		c.deliver(events.AuthError{Message: "Não autenticado"})
		return
	}

	switch e := evt.(type) {
	case events.JoinConversation:
		h.join(c, e.ConversationID)
	case events.LeaveConversation:
		h.leave(c, e.ConversationID)
	case events.SendMessage:
		h.sendMessage(c, e)
	case events.Typing:
		h.broadcastRoom(e.ConversationID, events.UserTyping{
			UserID:         events.ID(c.userID()),
			ConversationID: e.ConversationID,
			IsTyping:       e.IsTyping,
		}, c)
	default:
		h.logger.Debug("ignoring client event", zap.String("event", string(evt.Kind())))
	}
}

func (h *Hub) authenticate(c *client, e events.Authenticate) {
	user, ok := h.store.UserForToken(e.Token)
	if !ok {
		c.deliver(events.AuthError{Message: "Token inválido"})
		return
	}
	c.setUser(user)
	userID := user.ID.String()

	h.mu.Lock()
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.byUser[userID] = set
	}
	firstSession := len(set) == 0
	set[c] = struct{}{}
	h.mu.Unlock()

	c.deliver(events.Authenticated{User: user})
	if firstSession {
		h.broadcastAll(events.UserOnline{UserID: user.ID}, c)
	}
	h.logger.Debug("client authenticated", zap.String("user_id", userID))
}

func (h *Hub) join(c *client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[conversationID] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) sendMessage(c *client, e events.SendMessage) {
	if e.Message == "" || e.ReceiverID == "" {
		c.deliver(events.Error{Op: "send_message", Message: "Mensagem inválida"})
		return
	}
	m := h.store.AddMessage(c.userID(), e.ReceiverID.String(), e.Message, e.TempID)
	if h.metrics != nil {
		h.metrics.Messages.WithLabelValues("ws").Inc()
	}
	c.deliver(events.MessageSent{MessagePayload: m})
	h.announce(m)
}

// announce pushes new_message to the room and to the receiver's sessions.
// The broadcast copy carries no temp id.
func (h *Hub) announce(m events.MessagePayload) {
	m.TempID = ""
	h.fanout(m.ConversationID, []string{m.ReceiverID.String()}, events.NewMessage{MessagePayload: m}, nil)
}

// fanout delivers evt once to every member of room and every session of users.
func (h *Hub) fanout(room string, users []string, evt events.Event, except *client) {
	h.mu.RLock()
	targets := make(map[*client]struct{})
	for c := range h.rooms[room] {
		targets[c] = struct{}{}
	}
	for _, u := range users {
		for c := range h.byUser[u] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if c != except {
			c.deliver(evt)
		}
	}
}

func (h *Hub) broadcastRoom(room string, evt events.Event, except *client) {
	h.fanout(room, nil, evt, except)
}

func (h *Hub) broadcastAll(evt events.Event, except *client) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c != except && c.userID() != "" {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.deliver(evt)
	}
}

// online reports whether a user has an authenticated session.
func (h *Hub) online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
