// Package metrics provides Prometheus instrumentation for the chat client and
// the dev server. Collectors live on a private registry so several instances
// can coexist in one process (tests, the dev server embedded next to a client).
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client holds the chat client collectors. A nil *Client is valid and
// records nothing.
type Client struct {
	registry *prometheus.Registry

	// ConnectionState is 1 for the current connection state and 0 for the others.
	ConnectionState *prometheus.GaugeVec
	// ReconnectAttempts counts transport dial attempts after the first.
	ReconnectAttempts prometheus.Counter
	// Sends counts message sends by route ("realtime", "fallback") and result.
	Sends *prometheus.CounterVec
	// Reconciled counts reconciliation outcomes by action.
	Reconciled *prometheus.CounterVec
	// TypingEmits counts typing events written to the wire.
	TypingEmits prometheus.Counter
	// ConfirmLatency records the time from realtime send to confirmation.
	ConfirmLatency prometheus.Histogram
}

// NewClient creates and registers the client collectors.
func NewClient() *Client {
	c := &Client{
		registry: prometheus.NewRegistry(),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "besafe_chat_connection_state",
			Help: "Current realtime connection state",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "besafe_chat_reconnect_attempts_total",
			Help: "Total number of transport reconnect attempts",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "besafe_chat_sends_total",
			Help: "Total number of message sends",
		}, []string{"route", "result"}), // route = "realtime", "fallback"; result = "pending", "sent", "failed"
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "besafe_chat_reconciled_total",
			Help: "Total number of incoming messages reconciled",
		}, []string{"action"}), // action = "appended", "replaced", "ignored"
		TypingEmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "besafe_chat_typing_emits_total",
			Help: "Total number of typing events emitted",
		}),
		ConfirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "besafe_chat_confirm_latency_seconds",
			Help:    "Time from realtime send to server confirmation",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
	c.registry.MustRegister(
		c.ConnectionState,
		c.ReconnectAttempts,
		c.Sends,
		c.Reconciled,
		c.TypingEmits,
		c.ConfirmLatency,
	)
	return c
}

// SetState marks state as the current connection state.
func (c *Client) SetState(state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (c *Client) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.ReconnectAttempts.Inc()
}

func (c *Client) Send(route, result string) {
	if c == nil {
		return
	}
	c.Sends.WithLabelValues(route, result).Inc()
}

func (c *Client) Reconcile(action string) {
	if c == nil {
		return
	}
	c.Reconciled.WithLabelValues(action).Inc()
}

func (c *Client) TypingEmit() {
	if c == nil {
		return
	}
	c.TypingEmits.Inc()
}

func (c *Client) Confirmed(d time.Duration) {
	if c == nil {
		return
	}
	c.ConfirmLatency.Observe(d.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (c *Client) Registry() *prometheus.Registry { return c.registry }

// Server holds the dev server collectors.
type Server struct {
	registry *prometheus.Registry

	// Connections tracks the current number of active WebSocket connections.
	Connections prometheus.Gauge
	// Messages counts messages processed, labeled by transport ("ws", "http").
	Messages *prometheus.CounterVec
}

// NewServer creates and registers the dev server collectors.
func NewServer() *Server {
	s := &Server{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "besafe_devserver_connections",
			Help: "Current number of active WebSocket connections",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "besafe_devserver_messages_total",
			Help: "Total number of messages stored",
		}, []string{"transport"}),
	}
	s.registry.MustRegister(s.Connections, s.Messages)
	return s
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve exposes h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
