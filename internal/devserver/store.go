package devserver

import (
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/reconcile"
)

var (
	errNotFound  = errors.New("mensagem não encontrada")
	errForbidden = errors.New("sem permissão")
)

// Store keeps users, sessions and messages in memory.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	now      func() time.Time
	tokens   map[string]string // token -> user id
	users    map[string]events.User
	messages []events.MessagePayload
	read     map[string]int64 // user id + "|" + conversation id -> last read message id
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:    time.Now,
		tokens: make(map[string]string),
		users:  make(map[string]events.User),
		read:   make(map[string]int64),
	}
}

// Login issues a fresh token for userID, creating the user on first use.
func (s *Store) Login(userID string) (string, events.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureUser(userID)
	token := uuid.NewString()
	s.tokens[token] = userID
	return token, u
}

func (s *Store) ensureUser(userID string) events.User {
	u, ok := s.users[userID]
	if !ok {
		u = events.User{ID: events.ID(userID), Name: "Usuário " + userID}
		s.users[userID] = u
	}
	return u
}

// UserForToken resolves a session token.
func (s *Store) UserForToken(token string) (events.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return events.User{}, false
	}
	return s.users[id], true
}

// AddMessage stores a message and returns it with its assigned id.
func (s *Store) AddMessage(senderID, receiverID, text, tempID string) events.MessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUser(receiverID)
	s.nextID++
	m := events.MessagePayload{
		ID:             events.IDFromInt(s.nextID),
		ConversationID: reconcile.ConversationKey(senderID, receiverID),
		SenderID:       events.ID(senderID),
		ReceiverID:     events.ID(receiverID),
		Message:        text,
		CreatedAt:      s.now().UTC(),
		TempID:         tempID,
	}
	s.messages = append(s.messages, m)
	s.read[senderID+"|"+m.ConversationID] = s.nextID
	return m
}

// History returns the conversation between a and b, oldest first, and marks
// it read for a.
func (s *Store) History(a, b string) []events.MessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID := reconcile.ConversationKey(a, b)
	var out []events.MessagePayload
	for _, m := range s.messages {
		if m.ConversationID == convID {
			m.TempID = ""
			out = append(out, m)
		}
	}
	if len(out) > 0 {
		s.read[a+"|"+convID] = idNum(out[len(out)-1].ID)
	}
	return out
}

type conversationRow struct {
	ID              string                `json:"id"`
	ContactID       events.ID             `json:"contactId"`
	Name            string                `json:"name,omitempty"`
	Avatar          string                `json:"avatar,omitempty"`
	LastMessage     string                `json:"lastMessage"`
	LastMessageTime time.Time             `json:"lastMessageTime"`
	UnreadCount     int                   `json:"unreadCount"`
	last            events.MessagePayload
}

// Conversations lists userID's conversations, most recent first.
func (s *Store) Conversations(userID string) []conversationRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make(map[string]*conversationRow)
	for _, m := range s.messages {
		var contact events.ID
		switch userID {
		case m.SenderID.String():
			contact = m.ReceiverID
		case m.ReceiverID.String():
			contact = m.SenderID
		default:
			continue
		}
		row, ok := rows[m.ConversationID]
		if !ok {
			u := s.users[contact.String()]
			row = &conversationRow{ID: m.ConversationID, ContactID: contact, Name: u.Name, Avatar: u.Avatar}
			rows[m.ConversationID] = row
		}
		row.last = m
		row.LastMessage = m.Message
		row.LastMessageTime = m.CreatedAt
		if m.SenderID.String() != userID && idNum(m.ID) > s.read[userID+"|"+m.ConversationID] {
			row.UnreadCount++
		}
	}
	out := make([]conversationRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b conversationRow) int {
		return int(idNum(b.last.ID) - idNum(a.last.ID))
	})
	return out
}

// Edit replaces the text of a message owned by userID.
func (s *Store) Edit(userID, messageID, text string) (events.MessagePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(messageID)
	if i < 0 {
		return events.MessagePayload{}, errNotFound
	}
	if s.messages[i].SenderID.String() != userID {
		return events.MessagePayload{}, errForbidden
	}
	s.messages[i].Message = text
	return s.messages[i], nil
}

// Delete removes a message owned by userID.
func (s *Store) Delete(userID, messageID string) (events.MessagePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(messageID)
	if i < 0 {
		return events.MessagePayload{}, errNotFound
	}
	m := s.messages[i]
	if m.SenderID.String() != userID {
		return events.MessagePayload{}, errForbidden
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	return m, nil
}

func (s *Store) find(messageID string) int {
	return slices.IndexFunc(s.messages, func(m events.MessagePayload) bool { return m.ID.String() == messageID })
}

func idNum(id events.ID) int64 {
	n, _ := strconv.ParseInt(id.String(), 10, 64)
	return n
}
