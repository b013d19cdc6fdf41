// Package web wires the API handlers into an HTTP server for either
// deployment. Read routes for identities sit behind the signature
// verifier; operator routes and the websocket feeds do not.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nodetrust.mini/ntm/internal/api"
	"nodetrust.mini/ntm/internal/events"
	"nodetrust.mini/ntm/internal/logger"
	"nodetrust.mini/ntm/internal/verify"
)

const (
	statusHistory = 50
	statusPoll    = 500 * time.Millisecond
)

// Options configures a Server.
type Options struct {
	Port     int
	API      *api.Service
	Verifier *verify.Verifier
	Ring     *logger.Logger
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Server is the HTTP server for the API and websocket feeds.
type Server struct {
	port     int
	api      *api.Service
	verifier *verify.Verifier
	ring     *logger.Logger
	bus      *events.Bus
	logger   *slog.Logger
	http     *http.Server
}

// NewServer creates a new web server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ring == nil {
		opts.Ring = logger.New(0)
	}
	s := &Server{
		port:     opts.Port,
		api:      opts.API,
		verifier: opts.Verifier,
		ring:     opts.Ring,
		bus:      opts.Bus,
		logger:   opts.Logger.With("component", "web"),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table for the service's role.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.api.HandleHealth)
	mux.HandleFunc("GET /api/version", s.api.HandleVersion)
	mux.HandleFunc("GET /api/logs", s.api.HandleLogs)
	mux.HandleFunc("POST /api/backups", s.api.HandleBackup)
	mux.HandleFunc("GET /api/docs", s.api.HandleDocsList)
	mux.HandleFunc("GET /api/docs/{name}", s.api.HandleDoc)

	switch s.api.Role() {
	case api.RoleAuthority:
		mux.HandleFunc("POST /api/servers", s.api.HandleCreateServer)
		mux.HandleFunc("POST /api/servers/activate", s.api.HandleActivateServer)
		mux.Handle("GET /api/servers", s.verifier.RequireFunc(s.api.HandleListServers))
		mux.Handle("GET /api/servers/me", s.verifier.RequireFunc(s.api.HandleServerMe))
		mux.Handle("GET /api/servers/{id}", s.verifier.RequireFunc(s.api.HandleGetServer))
	case api.RoleNode:
		mux.HandleFunc("POST /api/setup", s.api.HandleSetup)
		mux.HandleFunc("GET /api/setup/status", s.api.HandleSetupStatus)
		mux.HandleFunc("POST /api/tablets", s.api.HandleCreateTablet)
		mux.HandleFunc("POST /api/tablets/activate", s.api.HandleActivateTablet)
		mux.Handle("GET /api/tablets", s.verifier.RequireFunc(s.api.HandleListTablets))
		mux.Handle("GET /api/tablets/me", s.verifier.RequireFunc(s.api.HandleTabletMe))
		mux.Handle("GET /api/tablets/{id}", s.verifier.RequireFunc(s.api.HandleGetTablet))
	}

	mux.HandleFunc("GET /ws/status", s.handleStatusWS)
	mux.HandleFunc("GET /ws/events", s.handleEventsWS)

	return mux
}

// Start initializes and runs the web server.
func (s *Server) Start() <-chan error {
	s.logger.Info("starting API server", "role", string(s.api.Role()), "addr", s.http.Addr)

	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleStatusWS streams log messages: recent history first, then new
// messages as they are recorded.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, done, err := upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	var lastSeq uint64
	history := s.ring.GetRecent(statusHistory)
	for i := len(history) - 1; i >= 0; i-- {
		if err := writeJSON(conn, history[i]); err != nil {
			return
		}
		lastSeq = history[i].Seq
	}

	poll := time.NewTicker(statusPoll)
	defer poll.Stop()
	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-keepalive.C:
			if err := ping(conn); err != nil {
				return
			}
		case <-poll.C:
			for _, msg := range s.ring.Since(lastSeq) {
				if err := writeJSON(conn, msg); err != nil {
					return
				}
				lastSeq = msg.Seq
			}
		}
	}
}

// handleEventsWS streams identity lifecycle events published after the
// client connects.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event feed disabled", http.StatusNotFound)
		return
	}

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	feed, cancel := s.bus.Subscribe()
	defer cancel()

	conn, done, err := upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-keepalive.C:
			if err := ping(conn); err != nil {
				return
			}
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				return
			}
		}
	}
}
