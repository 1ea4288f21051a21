package chat

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/delivery"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/reconcile"
)

// Screen is the controller of one open conversation. Every state change is
// reported through the onChange callback given to OpenScreen; callers read
// the new state with Messages and friends.
type Screen struct {
	svc       *Service
	selfID    string
	contactID string
	convID    string
	onChange  func()
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	mounted bool
	subs    []bus.Subscription
}

// OpenScreen joins the conversation with contactID, loads its history and
// starts listening for realtime updates. A failed history fetch is logged
// and leaves the screen open and empty.
func (s *Service) OpenScreen(ctx context.Context, selfID, contactID string, onChange func()) (*Screen, error) {
	if selfID == "" {
		selfID = s.Self()
	}
	if onChange == nil {
		onChange = func() {}
	}
	if ConversationID(selfID, contactID) == "" {
		return nil, ErrNotSignedIn
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sc := &Screen{
		svc:       s,
		selfID:    selfID,
		contactID: contactID,
		convID:    ConversationID(selfID, contactID),
		onChange:  onChange,
		logger:    s.logger.With(zap.String("conversation_id", ConversationID(selfID, contactID))),
		ctx:       sctx,
		cancel:    cancel,
		mounted:   true,
	}
	sc.listen()
	s.Rooms.Join(ctx, sc.convID)
	if err := sc.load(ctx, false); err != nil {
		sc.logger.Warn("history fetch failed", zap.Error(err))
	}
	return sc, nil
}

// ConversationID returns the id of the open conversation.
func (sc *Screen) ConversationID() string { return sc.convID }

// ContactID returns the other participant.
func (sc *Screen) ContactID() string { return sc.contactID }

func (sc *Screen) listen() {
	b := sc.svc.Conn.Bus()
	sc.subs = []bus.Subscription{
		bus.On(b, func(e events.NewMessage) {
			m := reconcile.FromPayload(e.MessagePayload)
			if m.ConversationID != sc.convID {
				return
			}
			sc.update(func() { sc.svc.Engine.ApplyIncoming(m) })
		}),
		bus.On(b, func(e events.MessageSent) {
			if sc.owns(e.ConversationID, e.SenderID, e.ReceiverID) {
				sc.update(nil)
			}
		}),
		bus.On(b, func(e events.DeliveryUpdated) {
			if e.ConversationID == sc.convID {
				sc.update(nil)
			}
		}),
		bus.On(b, func(e events.TypingChanged) {
			if e.ConversationID == sc.convID {
				sc.update(nil)
			}
		}),
		bus.On(b, func(e events.MessageEdited) {
			sc.update(func() { sc.svc.Engine.ApplyEdit(e.MessageID.String(), e.NewMessage) })
		}),
		bus.On(b, func(e events.MessageDeleted) {
			sc.update(func() { sc.svc.Engine.ApplyDelete(e.MessageID.String()) })
		}),
		bus.On(b, func(e events.UserOnline) {
			if e.UserID.String() == sc.contactID {
				sc.update(nil)
			}
		}),
		bus.On(b, func(e events.UserOffline) {
			if e.UserID.String() == sc.contactID {
				sc.update(nil)
			}
		}),
		bus.On(b, func(e events.ConnectionStatus) { sc.update(nil) }),
		bus.On(b, func(events.Authenticated) { sc.rejoin() }),
	}
}

func (sc *Screen) owns(convID string, sender, receiver events.ID) bool {
	if convID == "" {
		convID = ConversationID(sender.String(), receiver.String())
	}
	return convID == sc.convID
}

// update runs fn and notifies the callback, unless the screen was closed.
func (sc *Screen) update(fn func()) {
	sc.mu.Lock()
	if !sc.mounted {
		sc.mu.Unlock()
		return
	}
	if fn != nil {
		fn()
	}
	sc.mu.Unlock()
	sc.onChange()
}

// rejoin restores room membership and resyncs after a reconnect. The
// history fetch runs off the dispatch goroutine.
func (sc *Screen) rejoin() {
	if !sc.isMounted() {
		return
	}
	sc.svc.Rooms.Join(sc.ctx, sc.convID)
	go func() {
		if err := sc.load(sc.ctx, true); err != nil {
			sc.logger.Warn("resync failed", zap.Error(err))
		}
	}()
}

func (sc *Screen) load(ctx context.Context, resync bool) error {
	history, err := sc.svc.API.History(ctx, sc.contactID)
	if err != nil {
		return err
	}
	msgs := make([]reconcile.Message, 0, len(history))
	for _, p := range history {
		msgs = append(msgs, reconcile.FromPayload(p))
	}
	sc.update(func() {
		if resync {
			sc.svc.Engine.Resync(sc.convID, msgs)
		} else {
			sc.svc.Engine.LoadHistory(sc.convID, msgs)
		}
	})
	return nil
}

func (sc *Screen) isMounted() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.mounted
}

// Send queues body for delivery and returns the local id of the optimistic
// entry. The outcome arrives through the change callback.
func (sc *Screen) Send(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyMessage
	}
	if !sc.isMounted() {
		return "", ErrClosed
	}
	if sc.svc.Typing.IsLocalTyping(sc.convID) {
		sc.svc.Typing.SetTyping(sc.ctx, sc.convID, false, sc.selfID)
	}
	localID := sc.svc.Delivery.SendAsync(sc.ctx, sc.convID, body, sc.contactID, func(delivery.Outcome) {
		sc.update(nil)
	})
	sc.onChange()
	return localID, nil
}

// Retry resends a failed message.
func (sc *Screen) Retry(localID string) error {
	if !sc.isMounted() {
		return ErrClosed
	}
	go func() {
		if _, err := sc.svc.Delivery.Retry(sc.ctx, localID); err != nil {
			sc.logger.Warn("retry failed", zap.String("local_id", localID), zap.Error(err))
		}
		sc.update(nil)
	}()
	return nil
}

// Typing reports local typing activity.
func (sc *Screen) Typing(isTyping bool) {
	if !sc.isMounted() {
		return
	}
	sc.svc.Typing.SetTyping(sc.ctx, sc.convID, isTyping, sc.selfID)
}

// Refresh refetches history, keeping unconfirmed local sends.
func (sc *Screen) Refresh(ctx context.Context) error {
	if !sc.isMounted() {
		return ErrClosed
	}
	return sc.load(ctx, true)
}

// Messages returns the conversation in display order.
func (sc *Screen) Messages() []reconcile.Message {
	return sc.svc.Engine.Messages(sc.convID)
}

// PeerTyping reports whether the contact is typing.
func (sc *Screen) PeerTyping() bool {
	return sc.svc.Typing.IsPeerTyping(sc.convID, sc.contactID)
}

// ContactOnline reports whether the contact has a live session.
func (sc *Screen) ContactOnline() bool {
	return sc.svc.Typing.IsOnline(sc.contactID)
}

// Close leaves the room, stops typing, removes the listeners and drops the
// conversation state. Safe to call multiple times.
func (sc *Screen) Close() {
	sc.mu.Lock()
	if !sc.mounted {
		sc.mu.Unlock()
		return
	}
	sc.mounted = false
	subs := sc.subs
	sc.subs = nil
	sc.mu.Unlock()

	if sc.svc.Typing.IsLocalTyping(sc.convID) {
		sc.svc.Typing.SetTyping(sc.ctx, sc.convID, false, sc.selfID)
	}
	b := sc.svc.Conn.Bus()
	for _, sub := range subs {
		b.Off(sub)
	}
	sc.svc.Rooms.Leave(sc.ctx, sc.convID)
	sc.svc.Typing.ClearConversation(sc.convID)
	sc.svc.Engine.Drop(sc.convID)
	sc.cancel()
}
