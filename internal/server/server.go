// Package server exposes duplex over HTTP.
//
// Routes:
//
//	GET /v1/talk            WebSocket; one conversation context per connection
//	GET /v1/modes           conversation modes and the default mode
//	GET /v1/history/{mode}  finalized messages, optionally searched with ?q=
//	GET /healthz, /readyz   liveness and readiness
//	GET /metrics            Prometheus scrape endpoint
//
// Each /v1/talk connection owns a [session.Controller] whose microphone is
// the browser (binary float32 frames) and whose output device is a paced
// renderer streaming PCM16 frames back over the same socket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplex/internal/health"
	"github.com/MrWong99/duplex/internal/history"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/sysctx"
	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/MrWong99/duplex/internal/voicecmd"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxHistoryLimit caps the limit query parameter of /v1/history.
const maxHistoryLimit = 500

// Conversation is the part of the configuration that can change while the
// server runs. New connections use the value current at accept time.
type Conversation struct {
	Context     *sysctx.Builder
	Profile     sysctx.Profile
	StopPhrases *voicecmd.Detector
	DefaultMode string
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address used by Run.
	Addr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile, KeyFile string

	// AllowedOrigins are extra WebSocket origin patterns.
	AllowedOrigins []string

	// Transport opens conversation sessions. Required.
	Transport transport.Transport

	// History persists and serves conversation history. Required.
	History history.Store

	// Conversation is the initial conversation configuration. Required.
	Conversation Conversation

	// Output is the format of the PCM16 frames streamed to browsers.
	Output audio.Format

	// WireFormat and FrameSamples configure capture; see session.Config.
	WireFormat   audio.Format
	FrameSamples int

	// ConnectTimeout bounds session start.
	ConnectTimeout time.Duration

	// Voice and GroundedSearch are passed to the transport.
	Voice          string
	GroundedSearch bool

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// Metrics records HTTP and session metrics. Default observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Server serves the duplex HTTP API.
type Server struct {
	cfg     Config
	metrics *observe.Metrics
	conv    atomic.Pointer[Conversation]
	active  atomic.Int64

	// talks is canceled on shutdown to end hijacked WebSocket connections.
	talks     context.Context
	stopTalks context.CancelFunc
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if cfg.History == nil {
		errs = append(errs, errors.New("history store is required"))
	}
	if cfg.Conversation.Context == nil {
		errs = append(errs, errors.New("conversation context builder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if !cfg.Output.Valid() {
		cfg.Output = audio.Format{SampleRate: 48000, Channels: 2}
	}
	if cfg.Conversation.DefaultMode == "" {
		cfg.Conversation.DefaultMode = sysctx.ModeGeneral
	}
	s := &Server{cfg: cfg, metrics: cfg.Metrics}
	s.talks, s.stopTalks = context.WithCancel(context.Background())
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	conv := cfg.Conversation
	s.conv.Store(&conv)
	return s, nil
}

// SetConversation replaces the conversation configuration for connections
// accepted from now on.
func (s *Server) SetConversation(c Conversation) {
	if c.Context == nil {
		return
	}
	if c.DefaultMode == "" {
		c.DefaultMode = sysctx.ModeGeneral
	}
	s.conv.Store(&c)
}

// Conversation returns the current conversation configuration.
func (s *Server) Conversation() Conversation { return *s.conv.Load() }

// ActiveConnections returns the number of open /v1/talk connections.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// Handler returns the HTTP handler with every route and the metrics
// middleware installed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/talk", s.handleTalk)
	mux.HandleFunc("GET /v1/modes", s.handleModes)
	mux.HandleFunc("GET /v1/history/{mode}", s.handleHistory)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.stopTalks)

	errc := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()
	slog.Info("server: listening", "addr", s.cfg.Addr, "tls", s.cfg.CertFile != "")

	select {
	case err := <-errc:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

type modesResponse struct {
	DefaultMode string        `json:"default_mode"`
	Modes       []sysctx.Mode `json:"modes"`
}

func (s *Server) handleModes(w http.ResponseWriter, _ *http.Request) {
	conv := s.Conversation()
	writeJSON(w, http.StatusOK, modesResponse{DefaultMode: conv.DefaultMode, Modes: conv.Context.Modes()})
}

type historyResponse struct {
	Mode     string               `json:"mode"`
	Query    string               `json:"query,omitempty"`
	Messages []transcript.Message `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	mode := r.PathValue("mode")
	if _, ok := s.Conversation().Context.Mode(mode); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown mode %q", mode))
		return
	}
	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	query := r.URL.Query().Get("q")

	log := observe.Logger(r.Context())
	res := historyResponse{Mode: mode, Query: query}
	var err error
	if query != "" {
		res.Messages, err = s.cfg.History.Search(r.Context(), mode, query, limit)
	} else {
		res.Messages, err = s.cfg.History.Messages(r.Context(), mode, limit)
	}
	if err != nil {
		log.Error("server: history lookup failed", "mode", mode, "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if res.Messages == nil {
		res.Messages = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
