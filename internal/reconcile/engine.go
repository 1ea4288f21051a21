package reconcile

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/besafe/chat/internal/metrics"
)

// Action describes what ApplyIncoming did with a message.
type Action int

const (
	Ignored Action = iota
	Appended
	Replaced
)

func (a Action) String() string {
	switch a {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	}
	return "ignored"
}

// Outcome reports the effect of ApplyIncoming.
type Outcome struct {
	Action  Action
	Index   int
	Message Message
}

// Conversation is a snapshot of one conversation's state.
type Conversation struct {
	ID           string
	Messages     []Message
	Participants []string
	LastActivity time.Time
}

type conversation struct {
	msgs         []Message
	index        map[string]int // local id -> position
	participants map[string]struct{}
	lastActivity time.Time
}

func newConversation() *conversation {
	return &conversation{
		index:        make(map[string]int),
		participants: make(map[string]struct{}),
	}
}

func (c *conversation) reindex() {
	clear(c.index)
	for i, m := range c.msgs {
		c.index[m.LocalID] = i
	}
}

func (c *conversation) touch(m Message) {
	if m.SenderID != "" {
		c.participants[m.SenderID] = struct{}{}
	}
	if m.ReceiverID != "" {
		c.participants[m.ReceiverID] = struct{}{}
	}
	if m.CreatedAt.After(c.lastActivity) {
		c.lastActivity = m.CreatedAt
	}
}

func (c *conversation) append(m Message) int {
	c.msgs = append(c.msgs, m)
	i := len(c.msgs) - 1
	c.index[m.LocalID] = i
	c.touch(m)
	return i
}

func (c *conversation) replace(i int, m Message) {
	old := c.msgs[i]
	c.msgs[i] = m
	if old.LocalID != m.LocalID {
		delete(c.index, old.LocalID)
		c.index[m.LocalID] = i
	}
	c.touch(m)
}

// Engine holds the message sequences of the conversations currently on screen.
// Conversations are created implicitly and never persisted.
type Engine struct {
	mu    sync.Mutex
	convs map[string]*conversation
	owner map[string]string // local id -> conversation id
	self  string

	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Client
}

// NewEngine creates an empty engine.
func NewEngine(logger *zap.Logger, mc *metrics.Client) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		convs:   make(map[string]*conversation),
		owner:   make(map[string]string),
		now:     time.Now,
		newID:   newLocalID,
		logger:  logger,
		metrics: mc,
	}
}

// newLocalID returns a time-ordered id with a random tail.
func newLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetSelf sets the id of the signed-in user, used as sender of local messages.
func (e *Engine) SetSelf(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.self = userID
}

// Self returns the signed-in user id.
func (e *Engine) Self() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

func (e *Engine) conv(id string) *conversation {
	c, ok := e.convs[id]
	if !ok {
		c = newConversation()
		e.convs[id] = c
	}
	return c
}

// SendLocal appends a pending message and returns its local id.
func (e *Engine) SendLocal(conversationID, body, receiverID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Message{
		LocalID:        e.newID(),
		ConversationID: conversationID,
		SenderID:       e.self,
		ReceiverID:     receiverID,
		Body:           body,
		CreatedAt:      e.now(),
		State:          Pending,
	}
	e.conv(conversationID).append(m)
	e.owner[m.LocalID] = conversationID
	return m.LocalID
}

// ApplyIncoming merges a message from any source. An entry with the same
// local or server id is replaced in place. Failing that, a pending or sent
// entry with the same sender, body and receiver stamped within MatchWindow is
// replaced in place. Anything else is appended as sent.
func (e *Engine) ApplyIncoming(in Message) Outcome {
	if in.ConversationID == "" {
		in.ConversationID = ConversationKey(in.SenderID, in.ReceiverID)
	}
	if in.LocalID == "" && in.ServerID != "" {
		in.LocalID = ServerLocalID(in.ServerID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A known local id decides the conversation, even when the server's copy
	// omits every conversation field.
	convID := in.ConversationID
	if owner, ok := e.owner[in.LocalID]; ok {
		convID = owner
	}
	if convID == "" {
		e.logger.Warn("ignoring message without conversation", zap.String("server_id", in.ServerID))
		e.metrics.Reconcile(Ignored.String())
		return Outcome{Action: Ignored, Index: -1}
	}
	c := e.conv(convID)

	if i := e.identityMatch(c, in); i >= 0 {
		return e.replaceAt(c, i, in)
	}
	if i := e.fuzzyMatch(c, in, len(c.msgs), nil); i >= 0 {
		return e.replaceAt(c, i, in)
	}

	m := in
	m.ConversationID = convID
	m.State = Sent
	if m.LocalID == "" {
		m.LocalID = e.newID()
	}
	i := c.append(m)
	e.owner[m.LocalID] = convID
	e.logger.Debug("message appended", zap.String("conversation_id", convID), zap.String("local_id", m.LocalID))
	e.metrics.Reconcile(Appended.String())
	return Outcome{Action: Appended, Index: i, Message: m}
}

func (e *Engine) identityMatch(c *conversation, in Message) int {
	if in.LocalID != "" {
		if i, ok := c.index[in.LocalID]; ok {
			return i
		}
	}
	if in.ServerID != "" {
		for i, m := range c.msgs {
			if m.ServerID == in.ServerID {
				return i
			}
		}
	}
	return -1
}

// fuzzyMatch finds the newest pending or sent entry among the first limit
// that is the same send as in, reported through another path. Entries in skip
// are not considered.
func (e *Engine) fuzzyMatch(c *conversation, in Message, limit int, skip map[int]bool) int {
	at := in.CreatedAt
	if at.IsZero() {
		at = e.now()
	}
	for i := limit - 1; i >= 0; i-- {
		m := c.msgs[i]
		if skip[i] || m.State == Failed || !m.sameContent(in) {
			continue
		}
		// Two distinct server ids are two distinct messages.
		if m.ServerID != "" && in.ServerID != "" && m.ServerID != in.ServerID {
			continue
		}
		d := m.CreatedAt.Sub(at)
		if d < 0 {
			d = -d
		}
		if d <= MatchWindow {
			return i
		}
	}
	return -1
}

func (e *Engine) replaceAt(c *conversation, i int, in Message) Outcome {
	m := c.msgs[i].Confirmed(in)
	c.replace(i, m)
	e.logger.Debug("message reconciled",
		zap.String("conversation_id", m.ConversationID),
		zap.String("local_id", m.LocalID),
		zap.String("server_id", m.ServerID),
	)
	e.metrics.Reconcile(Replaced.String())
	return Outcome{Action: Replaced, Index: i, Message: m}
}

// MarkFailed marks a pending message as undeliverable. Messages already
// confirmed are left alone.
func (e *Engine) MarkFailed(localID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, i, ok := e.locate(localID)
	if !ok || c.msgs[i].State != Pending {
		return false
	}
	c.replace(i, c.msgs[i].Failed())
	return true
}

// Discard removes a message, typically a failed one being retried.
func (e *Engine) Discard(localID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, i, ok := e.locate(localID)
	if !ok {
		return false
	}
	c.msgs = slices.Delete(c.msgs, i, i+1)
	c.reindex()
	delete(e.owner, localID)
	return true
}

func (e *Engine) locate(localID string) (*conversation, int, bool) {
	convID, ok := e.owner[localID]
	if !ok {
		return nil, -1, false
	}
	c, ok := e.convs[convID]
	if !ok {
		return nil, -1, false
	}
	i, ok := c.index[localID]
	return c, i, ok
}

// Find returns the message with the given local id.
func (e *Engine) Find(localID string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, i, ok := e.locate(localID)
	if !ok {
		return Message{}, false
	}
	return c.msgs[i], true
}

// LoadHistory replaces a conversation with a server snapshot. Every entry is
// marked sent; repeated ids within the snapshot keep their first occurrence.
func (e *Engine) LoadHistory(conversationID string, msgs []Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.load(conversationID, msgs)
}

func (e *Engine) load(conversationID string, msgs []Message) *conversation {
	if old, ok := e.convs[conversationID]; ok {
		for _, m := range old.msgs {
			delete(e.owner, m.LocalID)
		}
	}
	c := newConversation()
	for _, m := range msgs {
		if m.LocalID == "" && m.ServerID != "" {
			m.LocalID = ServerLocalID(m.ServerID)
		}
		if m.LocalID == "" {
			continue
		}
		if _, dup := c.index[m.LocalID]; dup {
			continue
		}
		m.ConversationID = conversationID
		m.State = Sent
		c.append(m)
		e.owner[m.LocalID] = conversationID
	}
	e.convs[conversationID] = c
	e.logger.Debug("history loaded", zap.String("conversation_id", conversationID), zap.Int("messages", len(c.msgs)))
	return c
}

// Resync loads a snapshot, then carries over local messages the snapshot does
// not confirm. Pending and failed sends survive a reconnect this way.
func (e *Engine) Resync(conversationID string, msgs []Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var local []Message
	if old, ok := e.convs[conversationID]; ok {
		for _, m := range old.msgs {
			if m.State != Sent {
				local = append(local, m)
			}
		}
	}
	c := e.load(conversationID, msgs)
	snapshot := len(c.msgs)
	claimed := make(map[int]bool)
	for _, m := range local {
		if i, ok := c.index[m.LocalID]; ok {
			claimed[i] = true
			continue
		}
		if i := e.fuzzyMatch(c, m, snapshot, claimed); i >= 0 && isServerLocalID(c.msgs[i].LocalID) {
			// Delivered while we were away; keep the local id for late confirmations.
			delete(e.owner, c.msgs[i].LocalID)
			confirmed := c.msgs[i]
			confirmed.LocalID = m.LocalID
			c.replace(i, confirmed)
			e.owner[m.LocalID] = conversationID
			claimed[i] = true
			continue
		}
		c.append(m)
		e.owner[m.LocalID] = conversationID
	}
}

func isServerLocalID(id string) bool {
	return strings.HasPrefix(id, serverIDPrefix)
}

// ApplyEdit replaces the body of the message with the given server id.
func (e *Engine) ApplyEdit(serverID, body string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.convs {
		for i, m := range c.msgs {
			if m.ServerID == serverID {
				edited := m.WithBody(body)
				c.replace(i, edited)
				return edited, true
			}
		}
	}
	return Message{}, false
}

// ApplyDelete removes the message with the given server id.
func (e *Engine) ApplyDelete(serverID string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.convs {
		for i, m := range c.msgs {
			if m.ServerID == serverID {
				c.msgs = slices.Delete(c.msgs, i, i+1)
				c.reindex()
				delete(e.owner, m.LocalID)
				return m, true
			}
		}
	}
	return Message{}, false
}

// Messages returns a copy of a conversation's sequence.
func (e *Engine) Messages(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		return nil
	}
	return slices.Clone(c.msgs)
}

// Conversation returns a snapshot of a conversation.
func (e *Engine) Conversation(conversationID string) (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		return Conversation{}, false
	}
	parts := make([]string, 0, len(c.participants))
	for p := range c.participants {
		parts = append(parts, p)
	}
	slices.Sort(parts)
	return Conversation{
		ID:           conversationID,
		Messages:     slices.Clone(c.msgs),
		Participants: parts,
		LastActivity: c.lastActivity,
	}, true
}

// Drop forgets a conversation.
func (e *Engine) Drop(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		return
	}
	for _, m := range c.msgs {
		delete(e.owner, m.LocalID)
	}
	delete(e.convs, conversationID)
}
