// Package typing emits the local user's typing indicator and tracks peers'
// typing and online state.
package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/clock"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/metrics"
)

const (
	// DebounceDelay is the idle time after which typing=false is sent.
	DebounceDelay = 2 * time.Second
	// PeerExpiry clears a peer's indicator when no refresh arrives.
	PeerExpiry = 3 * time.Second
	// RefreshInterval bounds how often typing=true is repeated while typing.
	RefreshInterval = 2 * time.Second
)

// Channel is the slice of the connection manager the signaler needs.
type Channel interface {
	Emit(ctx context.Context, evt events.Event) error
	IsConnected() bool
}

// Publisher receives typing_changed events.
type Publisher interface {
	Publish(evt events.Event)
}

type localState struct {
	typing   bool
	debounce clock.Task
	gen      int // bumped on every keystroke; a debounce only acts on its own
	limiter  *rate.Limiter
}

type peerKey struct {
	conversationID string
	userID         string
}

type peerState struct {
	expiry clock.Task
	gen    int
}

// Signaler owns every typing timer. Each timer handle lives next to the state
// it guards and is stopped whenever that state is superseded.
type Signaler struct {
	channel Channel
	pub     Publisher
	sched   clock.Scheduler
	logger  *zap.Logger
	metrics *metrics.Client

	mu      sync.Mutex
	self    string
	local   map[string]*localState
	peers   map[peerKey]*peerState
	online  map[string]struct{}
	watched *bus.Bus
	subs    []bus.Subscription
}

// New creates a signaler. sched may be nil for real timers.
func New(channel Channel, pub Publisher, sched clock.Scheduler, logger *zap.Logger, mc *metrics.Client) *Signaler {
	if sched == nil {
		sched = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signaler{
		channel: channel,
		pub:     pub,
		sched:   sched,
		logger:  logger,
		metrics: mc,
		local:   make(map[string]*localState),
		peers:   make(map[peerKey]*peerState),
		online:  make(map[string]struct{}),
	}
}

// SetTyping reports the local user's typing state for a conversation. Nothing
// is sent, or queued, while disconnected.
func (s *Signaler) SetTyping(ctx context.Context, conversationID string, isTyping bool, selfID string) {
	if !s.channel.IsConnected() {
		s.mu.Lock()
		s.dropLocal(conversationID)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.self = selfID
	if !isTyping {
		s.dropLocal(conversationID)
		s.mu.Unlock()
		s.emit(ctx, conversationID, false, selfID)
		return
	}

	now := s.sched.Now()
	st, ok := s.local[conversationID]
	if !ok {
		st = &localState{limiter: rate.NewLimiter(rate.Every(RefreshInterval), 1)}
		s.local[conversationID] = st
	}
	send := false
	if !st.typing {
		st.typing = true
		st.limiter.AllowN(now, 1)
		send = true
	} else {
		send = st.limiter.AllowN(now, 1)
	}
	if st.debounce != nil {
		st.debounce.Stop()
	}
	st.gen++
	gen := st.gen
	st.debounce = s.sched.AfterFunc(DebounceDelay, func() { s.idle(conversationID, selfID, st, gen) })
	s.mu.Unlock()

	if send {
		s.emit(ctx, conversationID, true, selfID)
	}
}

// idle fires when the user stopped typing without clearing the field.
func (s *Signaler) idle(conversationID, selfID string, st *localState, gen int) {
	s.mu.Lock()
	if s.local[conversationID] != st || st.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.local, conversationID)
	s.mu.Unlock()

	if !s.channel.IsConnected() {
		return
	}
	s.emit(context.Background(), conversationID, false, selfID)
}

// dropLocal cancels the debounce of a conversation. Callers hold s.mu.
func (s *Signaler) dropLocal(conversationID string) {
	st, ok := s.local[conversationID]
	if !ok {
		return
	}
	if st.debounce != nil {
		st.debounce.Stop()
	}
	delete(s.local, conversationID)
}

func (s *Signaler) emit(ctx context.Context, conversationID string, isTyping bool, selfID string) {
	err := s.channel.Emit(ctx, events.Typing{
		ConversationID: conversationID,
		IsTyping:       isTyping,
		UserID:         events.ID(selfID),
	})
	if err != nil {
		s.logger.Debug("typing not sent", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	s.metrics.TypingEmit()
}

// IsLocalTyping reports whether the local user is marked typing.
func (s *Signaler) IsLocalTyping(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.local[conversationID]
	return ok && st.typing
}

// HandlePeer applies a user_typing event. A true refreshes the peer's expiry
// instead of stacking another timer.
func (s *Signaler) HandlePeer(e events.UserTyping) {
	key := peerKey{conversationID: e.ConversationID, userID: e.UserID.String()}

	s.mu.Lock()
	if key.userID == "" || (s.self != "" && key.userID == s.self) {
		s.mu.Unlock()
		return
	}
	p, exists := s.peers[key]
	changed := false
	if e.IsTyping {
		if !exists {
			p = &peerState{}
			s.peers[key] = p
			changed = true
		}
		if p.expiry != nil {
			p.expiry.Stop()
		}
		p.gen++
		gen := p.gen
		p.expiry = s.sched.AfterFunc(PeerExpiry, func() { s.expirePeer(key, gen) })
	} else if exists {
		p.expiry.Stop()
		delete(s.peers, key)
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.notify(key, e.IsTyping)
	}
}

func (s *Signaler) expirePeer(key peerKey, gen int) {
	s.mu.Lock()
	p, ok := s.peers[key]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.peers, key)
	s.mu.Unlock()

	s.logger.Debug("peer typing expired", zap.String("conversation_id", key.conversationID), zap.String("user_id", key.userID))
	s.notify(key, false)
}

func (s *Signaler) notify(key peerKey, isTyping bool) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(events.TypingChanged{
		ConversationID: key.conversationID,
		UserID:         events.ID(key.userID),
		IsTyping:       isTyping,
	})
}

// IsPeerTyping reports whether a peer is typing in a conversation.
func (s *Signaler) IsPeerTyping(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[peerKey{conversationID, userID}]
	return ok
}

// TypingPeers returns the peers typing in a conversation, sorted.
func (s *Signaler) TypingPeers(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.peers {
		if k.conversationID == conversationID {
			out = append(out, k.userID)
		}
	}
	slices.Sort(out)
	return out
}

// SetOnline records a presence change.
func (s *Signaler) SetOnline(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online[userID] = struct{}{}
	} else {
		delete(s.online, userID)
	}
}

// IsOnline reports whether a user was last seen online.
func (s *Signaler) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

// ClearConversation cancels local and peer timers of one conversation
// without sending anything.
func (s *Signaler) ClearConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocal(conversationID)
	for k, p := range s.peers {
		if k.conversationID == conversationID {
			p.expiry.Stop()
			delete(s.peers, k)
		}
	}
}

// reset drops every timer and peer, announcing cleared indicators.
func (s *Signaler) reset() {
	s.mu.Lock()
	for id := range s.local {
		s.dropLocal(id)
	}
	var cleared []peerKey
	for k, p := range s.peers {
		p.expiry.Stop()
		cleared = append(cleared, k)
	}
	clear(s.peers)
	clear(s.online)
	s.mu.Unlock()

	for _, k := range cleared {
		s.notify(k, false)
	}
}

// Watch registers the signaler's handlers on b.
func (s *Signaler) Watch(b *bus.Bus) {
	subs := []bus.Subscription{
		bus.On(b, s.HandlePeer),
		bus.On(b, func(e events.UserOnline) { s.SetOnline(e.UserID.String(), true) }),
		bus.On(b, func(e events.UserOffline) { s.SetOnline(e.UserID.String(), false) }),
		bus.On(b, func(e events.ConnectionStatus) {
			if !e.Connected {
				s.reset()
			}
		}),
	}
	s.mu.Lock()
	s.watched, s.subs = b, subs
	s.mu.Unlock()
}

// Close cancels every timer and removes the bus handlers.
func (s *Signaler) Close() {
	s.mu.Lock()
	for id := range s.local {
		s.dropLocal(id)
	}
	for k, p := range s.peers {
		p.expiry.Stop()
		delete(s.peers, k)
	}
	b, subs := s.watched, s.subs
	s.watched, s.subs = nil, nil
	s.mu.Unlock()

	if b != nil {
		for _, sub := range subs {
			b.Off(sub)
		}
	}
}
