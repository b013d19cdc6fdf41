// Package app holds the start-up plumbing shared by the ntm binaries:
// logging, the identity store, the event bus and the serve loop.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"nodetrust.mini/ntm/internal/config"
	"nodetrust.mini/ntm/internal/events"
	"nodetrust.mini/ntm/internal/identities"
	"nodetrust.mini/ntm/internal/logger"
	"nodetrust.mini/ntm/internal/web"
)

const shutdownTimeout = 10 * time.Second

// Runtime is the set of long-lived components a server binary owns.
type Runtime struct {
	Config *config.Config
	Ring   *logger.Logger
	Logger *slog.Logger
	Store  *identities.Store
	Bus    *events.Bus

	closers []io.Closer
}

// NewLogger builds the slog logger described by cfg, teeing into ring.
func NewLogger(cfg *config.Config, ring *logger.Logger, verbose bool) *slog.Logger {
	level := logger.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	return logger.NewSlog(os.Stderr, cfg.LogFormat, level, ring)
}

// Open builds the runtime for cfg. A failing AMQP connection is logged
// and the bus runs without it.
func Open(cfg *config.Config, verbose bool) (*Runtime, error) {
	ring := logger.New(cfg.LogBuffer)
	log := NewLogger(cfg, ring, verbose)
	slog.SetDefault(log)

	store, err := identities.NewStore(cfg.DatabaseFile, cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("open identity store (--restore-backup recovers from the newest backup): %w", err)
	}
	log.Info("identity store initialized", "file", cfg.DatabaseFile)

	rt := &Runtime{Config: cfg, Ring: ring, Logger: log, Store: store}
	rt.closers = append(rt.closers, store)

	var sinks []events.Sink
	if cfg.AMQP.URL != "" {
		sink, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey)
		if err != nil {
			log.Warn("event publisher disabled", "error", err)
		} else {
			log.Info("publishing events", "exchange", cfg.AMQP.Exchange)
			sinks = append(sinks, sink)
			rt.closers = append(rt.closers, sink)
		}
	}
	rt.Bus = events.NewBus(log, sinks...)

	return rt, nil
}

// RestoreBackup replaces cfg's database with its newest backup. The
// server must not be running.
func RestoreBackup(cfg *config.Config, log *slog.Logger) error {
	used, dropped, err := identities.RestoreLatestBackup(cfg.DatabaseFile, cfg.BackupDir, time.Now())
	if err != nil {
		return err
	}
	log.Warn("identity database restored from backup, pending identities dropped and must be reissued",
		"backup", used, "dropped_pending", dropped)
	return nil
}

// Close releases everything Open acquired, newest first.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.Logger.Warn("close failed", "error", err)
		}
	}
}

// Serve runs server until it fails or the process receives SIGINT or
// SIGTERM, then shuts it down gracefully.
func (rt *Runtime) Serve(server *web.Server) error {
	if err := ensurePortAvailable(rt.Config.Port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", rt.Config.Port, err)
	}

	serverErrors := server.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrors:
		return err
	case sig := <-sigChan:
		rt.Logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

// ResolvePort returns the PORT environment override when it is a valid
// port, otherwise fallback.
func ResolvePort(fallback int, log *slog.Logger) int {
	portStr := os.Getenv("PORT")
	if portStr == "" {
		return fallback
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid PORT value, using configured port", "value", portStr, "port", fallback)
		return fallback
	}

	return port
}

func ensurePortAvailable(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return listener.Close()
}
