// Package model holds the terminal UI state that outlives individual views.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/chat"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/reconcile"
	"github.com/besafe/chat/internal/status"
	"github.com/besafe/chat/internal/store"
)

// ErrNoConversation is returned by message operations while no conversation
// is open.
var ErrNoConversation = errors.New("no conversation open")

// Authenticator exchanges a user id for a session token.
type Authenticator interface {
	Login(ctx context.Context, userID string) (apiclient.Session, error)
}

// Store persists the session token and UI settings of the profile.
type Store interface {
	SetToken(ctx context.Context, token, userID string) error
	ClearToken(ctx context.Context) error
	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// ViewModel owns the chat list and the open conversation, and signals the UI
// whenever either changes.
type ViewModel struct {
	svc   *chat.Service
	auth  Authenticator
	store Store

	List  *chat.ChatList
	Flash Flash

	mu     sync.RWMutex
	screen *chat.Screen
	subs   []bus.Subscription

	refreshCh chan struct{}
}

// NewViewModel creates a view model over svc.
func NewViewModel(svc *chat.Service, auth Authenticator, st Store) *ViewModel {
	vm := &ViewModel{
		svc:       svc,
		auth:      auth,
		store:     st,
		refreshCh: make(chan struct{}, 1),
	}
	vm.List = svc.NewChatList(vm.signalRefresh)
	return vm
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// Start listens for connection events and loads the list when already
// signed in. Connection hooks go on the core bus so they survive sign-out.
func (vm *ViewModel) Start(ctx context.Context) {
	core := vm.svc.Conn.Core()
	vm.mu.Lock()
	vm.subs = []bus.Subscription{
		bus.On(core, func(events.StateChanged) { vm.signalRefresh() }),
		bus.On(core, func(events.Authenticated) {
			go vm.loadList(ctx)
		}),
		bus.On(core, func(e events.AuthError) {
			vm.Flash.Warn("authentication failed: " + e.Message)
			vm.signalRefresh()
		}),
		bus.On(core, func(e events.ReconnectFailed) {
			vm.Flash.Warn(fmt.Sprintf("offline after %d reconnect attempts", e.Attempts))
			vm.signalRefresh()
		}),
	}
	vm.mu.Unlock()

	vm.List.Start()
	if vm.svc.Conn.IsAuthenticated() {
		go vm.loadList(ctx)
	}
}

// Stop closes the open conversation and removes every listener.
func (vm *ViewModel) Stop() {
	vm.CloseConversation()
	vm.List.Stop()
	vm.mu.Lock()
	subs := vm.subs
	vm.subs = nil
	vm.mu.Unlock()
	for _, sub := range subs {
		vm.svc.Conn.Core().Off(sub)
	}
}

func (vm *ViewModel) loadList(ctx context.Context) {
	if err := vm.List.Load(ctx); err != nil {
		vm.Flash.Err(fmt.Errorf("load conversations: %w", err))
		vm.signalRefresh()
	}
}

// SignIn logs userID in, stores the token and opens the realtime
// connection. Any previous session is signed out first.
func (vm *ViewModel) SignIn(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user id required")
	}
	if vm.svc.Conn.IsConnected() {
		if err := vm.SignOut(ctx); err != nil {
			return err
		}
	}
	sess, err := vm.auth.Login(ctx, userID)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	self := sess.User.ID.String()
	if self == "" {
		self = userID
	}
	if err := vm.store.SetToken(ctx, sess.Token, self); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	vm.svc.Engine.SetSelf(self)
	if !vm.svc.Conn.Connect(ctx) {
		return errors.New("could not connect to the realtime server")
	}
	vm.Flash.Info("signed in as " + self)
	vm.signalRefresh()
	return nil
}

// SignOut closes the conversation, drops the connection and forgets the
// token. Disconnect clears the application bus, so the list re-registers.
func (vm *ViewModel) SignOut(ctx context.Context) error {
	vm.CloseConversation()
	vm.List.Stop()
	vm.svc.Conn.Disconnect()
	vm.List.Reset()
	vm.List.Start()
	if err := vm.store.SetSetting(ctx, store.SettingLastConversation, ""); err != nil {
		return err
	}
	if err := vm.store.ClearToken(ctx); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	vm.Flash.Info("signed out")
	vm.signalRefresh()
	return nil
}

// Open switches to the conversation with contactID.
func (vm *ViewModel) Open(ctx context.Context, contactID string) error {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return errors.New("contact id required")
	}
	vm.CloseConversation()
	sc, err := vm.svc.OpenScreen(ctx, "", contactID, vm.signalRefresh)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.screen = sc
	vm.mu.Unlock()
	vm.List.SetActive(contactID)
	if err := vm.store.SetSetting(ctx, store.SettingLastConversation, contactID); err != nil {
		vm.Flash.Err(err)
	}
	return nil
}

// LastConversation returns the contact of the conversation open when the
// client last ran, or "".
func (vm *ViewModel) LastConversation(ctx context.Context) string {
	id, err := vm.store.Setting(ctx, store.SettingLastConversation)
	if err != nil {
		return ""
	}
	return id
}

// CloseConversation tears down the open conversation, if any.
func (vm *ViewModel) CloseConversation() {
	vm.mu.Lock()
	sc := vm.screen
	vm.screen = nil
	vm.mu.Unlock()
	if sc == nil {
		return
	}
	sc.Close()
	vm.List.SetActive("")
}

// Screen returns the open conversation, or nil.
func (vm *ViewModel) Screen() *chat.Screen {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.screen
}

// Send sends text to the open conversation.
func (vm *ViewModel) Send(text string) error {
	sc := vm.Screen()
	if sc == nil {
		return ErrNoConversation
	}
	_, err := sc.Send(text)
	return err
}

// RetryFailed resends every failed message of the open conversation and
// returns how many were retried.
func (vm *ViewModel) RetryFailed() (int, error) {
	sc := vm.Screen()
	if sc == nil {
		return 0, ErrNoConversation
	}
	n := 0
	for _, m := range sc.Messages() {
		if m.State != reconcile.Failed {
			continue
		}
		if err := sc.Retry(m.LocalID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Typing forwards composer activity to the open conversation.
func (vm *ViewModel) Typing(isTyping bool) {
	if sc := vm.Screen(); sc != nil {
		sc.Typing(isTyping)
	}
}

// State returns the connection state.
func (vm *ViewModel) State() status.State { return vm.svc.Conn.State() }

// Self returns the signed-in user id.
func (vm *ViewModel) Self() string { return vm.svc.Self() }
