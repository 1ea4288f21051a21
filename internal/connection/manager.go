// Package connection owns the single realtime connection of a client: dial,
// authenticate, reconnect and event dispatch.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/metrics"
	"github.com/besafe/chat/internal/status"
	"github.com/besafe/chat/internal/transport"
)

var (
	// ErrNotConnected is returned by Emit when there is no open transport.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrNoToken means the credential store holds no session token.
	ErrNoToken = errors.New("connection: no session token")
	// ErrAuthTimeout means the server did not answer authenticate in time.
	ErrAuthTimeout = errors.New("connection: authentication timed out")
)

// TokenSource supplies the session token. An empty token means signed out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config controls retry and authentication timing.
type Config struct {
	// MaxAttempts bounds the dial attempts of one connect or reconnect cycle.
	MaxAttempts int
	// ReconnectDelay is the delay unit; attempt n waits n units.
	ReconnectDelay time.Duration
	AuthTimeout    time.Duration
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		ReconnectDelay: time.Second,
		AuthTimeout:    10 * time.Second,
	}
}

// Manager is the process-wide realtime connection. Construct one per client
// and share it by reference.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	tokens  TokenSource
	machine *status.Machine
	core    *bus.Bus
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Client
	sleep   func(ctx context.Context, d time.Duration) error

	// connectMu serializes connect cycles (explicit and background).
	connectMu sync.Mutex

	mu              sync.Mutex
	conn            transport.Conn
	readCancel      context.CancelFunc
	user            events.User
	authWait        chan error
	reconnectCancel context.CancelFunc
}

// New creates a disconnected manager.
func New(cfg Config, dialer transport.Dialer, tokens TokenSource, logger *zap.Logger, mc *metrics.Client) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	core := bus.New(logger)
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		tokens:  tokens,
		machine: status.NewMachine(core),
		core:    core,
		bus:     bus.New(logger),
		logger:  logger,
		metrics: mc,
		sleep:   sleepCtx,
	}

	all := make([]string, len(status.All))
	for i, s := range status.All {
		all[i] = string(s)
	}
	mc.SetState(string(status.Disconnected), all)
	bus.On(core, func(e events.StateChanged) {
		m.metrics.SetState(e.To, all)
		m.bus.Publish(e)
	})
	return m
}

// Bus is where application listeners register. Disconnect clears it.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Core is where long-lived components register. Its handlers run before the
// application listeners and survive Disconnect.
func (m *Manager) Core() *bus.Bus { return m.core }

// Publish dispatches a local event to core hooks, then application listeners.
func (m *Manager) Publish(evt events.Event) {
	m.core.Publish(evt)
	m.bus.Publish(evt)
}

// State returns the current connection state.
func (m *Manager) State() status.State { return m.machine.Current() }

// IsConnected reports whether a transport is open.
func (m *Manager) IsConnected() bool {
	s := m.machine.Current()
	return s == status.Connected || s == status.Authenticated
}

// IsAuthenticated reports whether the server accepted the session token.
func (m *Manager) IsAuthenticated() bool {
	return m.machine.Current() == status.Authenticated
}

// User returns the authenticated user, or the zero value.
func (m *Manager) User() events.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// Connect opens and authenticates the connection. It returns true at once
// when already authenticated and false when no token is stored, the transport
// cannot be opened within the retry budget, or authentication fails.
// Failures are reported as events, never returned.
func (m *Manager) Connect(ctx context.Context) bool {
	if m.IsAuthenticated() {
		return true
	}
	m.stopReconnect()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	return m.connect(ctx, false)
}

func (m *Manager) connect(ctx context.Context, reconnecting bool) bool {
	if m.IsAuthenticated() {
		return true
	}
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.logger.Warn("failed to read session token", zap.Error(err))
		m.Publish(events.Error{Op: "token", Message: err.Error()})
		return false
	}
	if token == "" {
		m.logger.Info("no session token, not connecting")
		m.Publish(events.Error{Op: "connect", Message: ErrNoToken.Error()})
		return false
	}

	if !m.IsConnected() {
		if err := m.dial(ctx, reconnecting); err != nil {
			return false
		}
	}
	if err := m.authenticate(ctx, token); err != nil {
		m.logger.Warn("authentication failed", zap.Error(err))
		return false
	}
	return true
}

// dial opens the transport, retrying with a linearly growing delay.
func (m *Manager) dial(ctx context.Context, reconnecting bool) error {
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		wait := time.Duration(attempt-1) * m.cfg.ReconnectDelay
		if reconnecting {
			wait = time.Duration(attempt) * m.cfg.ReconnectDelay
		}
		if reconnecting || attempt > 1 {
			m.metrics.ReconnectAttempt()
		}
		if wait > 0 {
			if err := m.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}
		attempts = attempt

		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			m.attach(conn)
			return nil
		}
		lastErr = err
		m.logger.Warn("dial failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Error(err),
		)
	}

	m.machine.Reset()
	m.Publish(events.Error{Op: "dial", Message: lastErr.Error()})
	if attempts == m.cfg.MaxAttempts {
		m.logger.Error("giving up on connection", zap.Int("attempts", attempts))
		m.Publish(events.ReconnectFailed{Attempts: attempts})
	}
	return lastErr
}

func (m *Manager) attach(conn transport.Conn) {
	readCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.conn = conn
	m.readCancel = cancel
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connected); err != nil {
		m.logger.Debug("unexpected state on attach", zap.Error(err))
	}
	m.logger.Info("realtime connected")
	m.Publish(events.ConnectionStatus{Connected: true})
	go m.readLoop(readCtx, conn)
}

func (m *Manager) authenticate(ctx context.Context, token string) error {
	wait := make(chan error, 1)
	m.mu.Lock()
	m.authWait = wait
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.authWait == wait {
			m.authWait = nil
		}
		m.mu.Unlock()
	}()

	if err := m.Emit(ctx, events.Authenticate{Token: token}); err != nil {
		return err
	}

	timer := time.NewTimer(m.cfg.AuthTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		m.Publish(events.Error{Op: "authenticate", Message: ErrAuthTimeout.Error()})
		return ErrAuthTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) readLoop(ctx context.Context, conn transport.Conn) {
	for {
		env, err := conn.Read(ctx)
		if errors.Is(err, transport.ErrMalformed) {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			m.Publish(events.Error{Op: "decode", Message: err.Error()})
			continue
		}
		if err != nil {
			m.handleDrop(conn, err)
			return
		}
		evt, err := events.Decode(env)
		if err != nil {
			m.logger.Warn("dropping malformed event", zap.String("event", string(env.Event)), zap.Error(err))
			m.Publish(events.Error{Op: "decode", Message: err.Error()})
			continue
		}

		switch e := evt.(type) {
		case events.Authenticated:
			m.mu.Lock()
			m.user = e.User
			m.mu.Unlock()
			if err := m.machine.Transition(status.Authenticated); err != nil {
				m.logger.Debug("ignoring duplicate authenticated", zap.Error(err))
			}
			m.logger.Info("authenticated", zap.String("user_id", e.User.ID.String()))
			m.Publish(e)
			m.signalAuth(nil)
		case events.AuthError:
			m.logger.Warn("authentication rejected", zap.String("reason", e.Message))
			m.Publish(e)
			m.signalAuth(fmt.Errorf("auth_error: %s", e.Message))
		case events.Unknown:
			m.logger.Debug("unhandled event", zap.String("event", e.Name))
			m.Publish(e)
		default:
			m.Publish(evt)
		}
	}
}

func (m *Manager) signalAuth(err error) {
	m.mu.Lock()
	wait := m.authWait
	m.mu.Unlock()
	if wait == nil {
		return
	}
	select {
	case wait <- err:
	default:
	}
}

// handleDrop reacts to an unexpected transport loss. Intentional closes have
// already detached conn and are ignored here.
func (m *Manager) handleDrop(conn transport.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.readCancel = nil
	m.user = events.User{}
	m.mu.Unlock()

	_ = conn.Close("read failed")
	m.machine.Reset()
	m.logger.Warn("realtime connection lost", zap.Error(cause))
	m.Publish(events.ConnectionStatus{Connected: false, Reason: cause.Error()})
	m.startReconnect()
}

func (m *Manager) startReconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.reconnectCancel != nil {
		m.reconnectCancel()
	}
	m.reconnectCancel = cancel
	m.mu.Unlock()

	go func() {
		m.connectMu.Lock()
		defer m.connectMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if m.connect(ctx, true) {
			m.logger.Info("reconnected")
		}
	}()
}

func (m *Manager) stopReconnect() {
	m.mu.Lock()
	cancel := m.reconnectCancel
	m.reconnectCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect closes the transport and clears every application listener.
// Safe to call multiple times.
func (m *Manager) Disconnect() {
	m.stopReconnect()

	m.mu.Lock()
	conn := m.conn
	cancel := m.readCancel
	m.conn = nil
	m.readCancel = nil
	m.user = events.User{}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.signalAuth(ErrNotConnected)
	if conn != nil {
		if err := conn.Close("client disconnect"); err != nil {
			m.logger.Debug("close transport", zap.Error(err))
		}
		m.machine.Reset()
		m.logger.Info("realtime disconnected")
		m.Publish(events.ConnectionStatus{Connected: false, Reason: "client disconnect"})
	}
	m.bus.Clear()
}

// Emit writes an outbound wire event. Write failures are logged and
// published as error events as well as returned.
func (m *Manager) Emit(ctx context.Context, evt events.Event) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := events.Encode(evt)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, env); err != nil {
		m.logger.Warn("emit failed", zap.String("event", string(evt.Kind())), zap.Error(err))
		m.Publish(events.Error{Op: "emit " + string(evt.Kind()), Message: err.Error()})
		return fmt.Errorf("emit %s: %w", evt.Kind(), err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
