// Package web exposes the fleetd HTTP and WebSocket surface: telemetry
// ingest, session listing, process control, and script dispatch.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetdeck/fleetdeck/internal/activity"
	"github.com/fleetdeck/fleetdeck/internal/correlate"
	"github.com/fleetdeck/fleetdeck/internal/dispatch"
	"github.com/fleetdeck/fleetdeck/internal/logging"
	"github.com/fleetdeck/fleetdeck/internal/procscan"
	"github.com/fleetdeck/fleetdeck/internal/registry"
	"github.com/fleetdeck/fleetdeck/internal/store"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr         string
	Token              string
	ExecutableName     string
	LaunchCommand      string
	TelemetryPerMinute int
	Thresholds         activity.Thresholds
}

// Deps are the core components the handlers drive.
type Deps struct {
	Store      *store.Store
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Correlator *correlate.Correlator
	Scanner    procscan.Scanner

	// Launch starts a game client for the given place/job. Nil disables
	// /launchGame's process start (correlation still arms).
	Launch func(ctx context.Context, placeID, jobID string) error
}

// Server wraps the HTTP server for fleetd.
type Server struct {
	cfg        Config
	deps       Deps
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	threshMu   sync.RWMutex
	thresholds activity.Thresholds
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8787"
	}
	if cfg.TelemetryPerMinute <= 0 {
		cfg.TelemetryPerMinute = 120
	}

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		limiters:   make(map[string]*rate.Limiter),
		thresholds: cfg.Thresholds,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/gameData", s.handleGameData)
	mux.HandleFunc("/leaveGame", s.handleLeaveGame)
	mux.HandleFunc("/launchGame", s.handleLaunchGame)
	mux.HandleFunc("/processes", s.handleProcesses)
	mux.HandleFunc("/terminate", s.handleTerminate)
	mux.HandleFunc("/executeScript", s.handleExecuteScript)
	mux.HandleFunc("/executeScriptMultiple", s.handleExecuteScriptMultiple)
	mux.HandleFunc("/ws", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived WS handlers to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Open WebSocket sessions may block graceful shutdown; force close as a
	// fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}

	return err
}

// SetThresholds swaps the classifier thresholds. Called on config reload;
// existing balance histories are re-judged on their next sample.
func (s *Server) SetThresholds(t activity.Thresholds) {
	s.threshMu.Lock()
	s.thresholds = t
	s.threshMu.Unlock()
}

func (s *Server) classifierThresholds() activity.Thresholds {
	s.threshMu.RLock()
	defer s.threshMu.RUnlock()
	return s.thresholds
}

// telemetryLimiter returns the per-account ingest limiter, creating it on
// first use.
func (s *Server) telemetryLimiter(account string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[account]
	if !ok {
		perSecond := rate.Limit(float64(s.cfg.TelemetryPerMinute) / 60.0)
		lim = rate.NewLimiter(perSecond, s.cfg.TelemetryPerMinute/4+1)
		s.limiters[account] = lim
	}
	return lim
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
