package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/devserver"
	"github.com/besafe/chat/internal/logging"
	"github.com/besafe/chat/internal/metrics"
)

func main() {
	addr := flag.String("addr", ":3000", "listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	noMetrics := flag.Bool("no-metrics", false, "do not serve /metrics")
	flag.Parse()

	logger, err := logging.NewConsole(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var m *metrics.Server
	if !*noMetrics {
		m = metrics.NewServer()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(logger, m)
	logger.Info("dev server listening", zap.String("addr", *addr), zap.Bool("metrics", m != nil))
	if err := srv.ListenAndServe(ctx, *addr); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("dev server stopped")
}
