package chat

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/events"
)

// seenLimit bounds how many server ids ChatList remembers for de-duplication.
const seenLimit = 512

// ChatList keeps the conversation list ordered by recent activity.
type ChatList struct {
	svc      *Service
	onChange func()
	logger   *zap.Logger

	mu     sync.Mutex
	items  []apiclient.Conversation
	active string
	subs   []bus.Subscription

	// Server ids already applied, oldest first. The same message can arrive
	// as message_sent and new_message, or twice after a resync.
	seen      map[string]struct{}
	seenOrder []string
}

// NewChatList creates an empty list. onChange may be nil.
func (s *Service) NewChatList(onChange func()) *ChatList {
	if onChange == nil {
		onChange = func() {}
	}
	return &ChatList{svc: s, onChange: onChange, logger: s.logger}
}

// Load replaces the items with the server's list.
func (l *ChatList) Load(ctx context.Context) error {
	items, err := l.svc.API.ListConversations(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.items = items
	for i := range l.items {
		if l.items[i].ContactID == l.active {
			l.items[i].UnreadCount = 0
		}
	}
	l.mu.Unlock()
	l.onChange()
	return nil
}

// Start listens for messages on the application bus.
func (l *ChatList) Start() {
	b := l.svc.Conn.Bus()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs != nil {
		return
	}
	l.subs = []bus.Subscription{
		bus.On(b, func(e events.NewMessage) { l.apply(e.MessagePayload) }),
		bus.On(b, func(e events.MessageSent) { l.apply(e.MessagePayload) }),
	}
}

// Stop removes the listeners.
func (l *ChatList) Stop() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, sub := range subs {
		l.svc.Conn.Bus().Off(sub)
	}
}

// SetActive marks the conversation with contactID as open and clears its
// unread count. An empty id means no conversation is open.
func (l *ChatList) SetActive(contactID string) {
	l.mu.Lock()
	l.active = contactID
	for i := range l.items {
		if l.items[i].ContactID == contactID {
			l.items[i].UnreadCount = 0
		}
	}
	l.mu.Unlock()
	l.onChange()
}

// Reset empties the list, for example after signing out.
func (l *ChatList) Reset() {
	l.mu.Lock()
	l.items = nil
	l.active = ""
	l.seen = nil
	l.seenOrder = nil
	l.mu.Unlock()
	l.onChange()
}

// Items returns the list, most recent first.
func (l *ChatList) Items() []apiclient.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.items)
}

// apply moves the conversation of p to the top and updates its preview.
// Messages from others bump the unread count unless the conversation is open.
func (l *ChatList) apply(p events.MessagePayload) {
	self := l.svc.Self()
	sender, receiver := p.SenderID.String(), p.ReceiverID.String()
	contact := sender
	if sender == self {
		contact = receiver
	}
	if contact == "" {
		return
	}

	l.mu.Lock()
	if !l.markSeen(p.ID.String()) {
		l.mu.Unlock()
		return
	}
	i := slices.IndexFunc(l.items, func(c apiclient.Conversation) bool { return c.ContactID == contact })
	var item apiclient.Conversation
	if i >= 0 {
		item = l.items[i]
		l.items = slices.Delete(l.items, i, i+1)
	} else {
		item = apiclient.Conversation{
			ID:        p.ConversationID,
			ContactID: contact,
			Name:      apiclient.DefaultName,
			Avatar:    apiclient.DefaultAvatar,
		}
		if item.ID == "" {
			item.ID = ConversationID(sender, receiver)
		}
	}
	item.LastMessage = p.Message
	item.LastMessageAt = p.CreatedAt
	if sender != self && contact != l.active {
		item.UnreadCount++
	}
	l.items = slices.Insert(l.items, 0, item)
	l.mu.Unlock()

	l.logger.Debug("conversation list updated", zap.String("contact_id", contact))
	l.onChange()
}

// markSeen records serverID and reports whether it is new. Messages without
// a server id are always new. Callers hold l.mu.
func (l *ChatList) markSeen(serverID string) bool {
	if serverID == "" {
		return true
	}
	if _, ok := l.seen[serverID]; ok {
		return false
	}
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	l.seen[serverID] = struct{}{}
	l.seenOrder = append(l.seenOrder, serverID)
	if len(l.seenOrder) > seenLimit {
		delete(l.seen, l.seenOrder[0])
		l.seenOrder = l.seenOrder[1:]
	}
	return true
}
