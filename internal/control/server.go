// Package control exposes the operator surface over HTTP: session and
// capture commands, the shared board and a websocket event stream.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/normanking/cortexlive/internal/audio"
	"github.com/normanking/cortexlive/internal/bus"
	"github.com/normanking/cortexlive/internal/config"
	"github.com/normanking/cortexlive/internal/logging"
	"github.com/normanking/cortexlive/internal/metrics"
	"github.com/normanking/cortexlive/internal/session"
	"github.com/normanking/cortexlive/internal/surface"
	"github.com/rs/zerolog"
)

// Session is the avatar session the surface drives.
type Session interface {
	Start(ctx context.Context, params session.AvatarParams) error
	Stop(ctx context.Context)
	EnableAudio() bool
	DisableAudio() bool
	Speak(ctx context.Context, text string) error
	Snapshot() session.Snapshot
}

// Capture is the chunked transcription pipeline.
type Capture interface {
	StartCapture(ctx context.Context, deviceID string) error
	StopCapture()
	IsRecording() bool
	ListInputDevices(ctx context.Context) []audio.Device
}

// Assistant relays prompts and push-to-talk clips.
type Assistant interface {
	Chat(ctx context.Context, text string) (string, error)
	Explain(ctx context.Context, name string, localized bool) (string, error)
	BeginVoice(ctx context.Context, deviceID string) error
	EndVoice(ctx context.Context) (string, error)
	VoiceActive() bool
}

// LogHistory serves recent log entries.
type LogHistory interface {
	GetHistory(limit int) []logging.LogEntry
}

// Options configures a Server
type Options struct {
	Config    config.ControlConfig
	Session   Session
	Capture   Capture
	Assistant Assistant
	Board     *surface.Board
	Bus       *bus.EventBus
	Metrics   *metrics.Metrics
	Logs      LogHistory
	Logger    zerolog.Logger
}

// Server serves the control surface
type Server struct {
	cfg       config.ControlConfig
	session   Session
	capture   Capture
	assistant Assistant
	board     *surface.Board
	bus       *bus.EventBus
	metrics   *metrics.Metrics
	logs      LogHistory
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	transcription atomic.Bool
}

// New creates a Server. Transcription starts enabled when a capture
// pipeline is configured.
func New(opts Options) *Server {
	if opts.Board == nil {
		opts.Board = surface.NewBoard(opts.Bus)
	}
	s := &Server{
		cfg:       opts.Config,
		session:   opts.Session,
		capture:   opts.Capture,
		assistant: opts.Assistant,
		board:     opts.Board,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logs:      opts.Logs,
		logger:    opts.Logger.With().Str("component", "control").Logger(),
	}
	s.transcription.Store(opts.Capture != nil)
	allowAny := opts.Config.AllowAnyOrigin
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAny {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

// SetTranscriptionAvailable turns the chunked capture endpoints on or off
func (s *Server) SetTranscriptionAvailable(ok bool) {
	s.transcription.Store(ok && s.capture != nil)
}

// Router returns the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)
		r.Get("/logs", s.handleLogs)

		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/stop", s.handleSessionStop)
		r.Post("/session/audio", s.handleSessionAudio)
		r.Post("/session/speak", s.handleSessionSpeak)

		r.Post("/chat", s.handleChat)
		r.Post("/explain", s.handleExplain)
		r.Post("/voice/start", s.handleVoiceStart)
		r.Post("/voice/stop", s.handleVoiceStop)

		r.Post("/mic/start", s.handleMicStart)
		r.Post("/mic/stop", s.handleMicStop)
		r.Get("/mic/devices", s.handleMicDevices)

		r.Get("/transcript", s.handleTranscript)
		r.Delete("/transcript", s.handleClearTranscript)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("Control surface listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Graceful shutdown failed")
		return httpServer.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"transcription": s.transcription.Load(),
	})
}

type stateResponse struct {
	Session       session.Snapshot `json:"session"`
	Board         surface.Snapshot `json:"board"`
	Recording     bool             `json:"recording"`
	VoiceActive   bool             `json:"voice_active"`
	Transcription bool             `json:"transcription"`
}

func (s *Server) state() stateResponse {
	resp := stateResponse{
		Board:         s.board.Snapshot(),
		Transcription: s.transcription.Load(),
	}
	if s.session != nil {
		resp.Session = s.session.Snapshot()
	}
	if s.capture != nil {
		resp.Recording = s.capture.IsRecording()
	}
	if s.assistant != nil {
		resp.VoiceActive = s.assistant.VoiceActive()
	}
	return resp
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		respondJSON(w, http.StatusOK, []logging.LogEntry{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries := s.logs.GetHistory(limit)
	if entries == nil {
		entries = []logging.LogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
