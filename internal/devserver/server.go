// Package devserver is a local chat backend speaking the same REST and
// WebSocket protocol as the production server. The CLI runs it for manual
// testing and the client packages run it in tests.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/besafe/chat/internal/metrics"
)

// Server wires the store, the hub and the HTTP routes.
type Server struct {
	store    *Store
	hub      *Hub
	logger   *zap.Logger
	metrics  *metrics.Server
	upgrader websocket.Upgrader
	handler  http.Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. m may be nil.
func New(logger *zap.Logger, m *metrics.Server) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    NewStore(),
		logger:   logger,
		metrics:  m,
		upgrader: defaultUpgrader,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.hub = newHub(s.store, logger, m)
	s.handler = s.routes()
	return s
}

// Handler serves the REST API and the /ws endpoint.
func (s *Server) Handler() http.Handler { return s.handler }

// Store exposes the backing store.
func (s *Server) Store() *Store { return s.store }

// Online reports whether userID has an authenticated WebSocket session.
func (s *Server) Online(userID string) bool { return s.hub.online(userID) }

// Members returns the number of connections joined to room.
func (s *Server) Members(room string) int { return s.hub.members(room) }

// Close disconnects every WebSocket client and waits for their pumps.
func (s *Server) Close() {
	s.cancel()
	s.hub.closeAll()
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		s.Close()
		return srv.Shutdown(context.Background())
	case err := <-errc:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
