// Package app wires the live avatar client together from configuration.
package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/normanking/cortexlive/internal/audio"
	"github.com/normanking/cortexlive/internal/backend"
	"github.com/normanking/cortexlive/internal/bus"
	"github.com/normanking/cortexlive/internal/capture"
	"github.com/normanking/cortexlive/internal/config"
	"github.com/normanking/cortexlive/internal/control"
	"github.com/normanking/cortexlive/internal/logging"
	"github.com/normanking/cortexlive/internal/media"
	"github.com/normanking/cortexlive/internal/metrics"
	"github.com/normanking/cortexlive/internal/relay"
	"github.com/normanking/cortexlive/internal/rtc"
	"github.com/normanking/cortexlive/internal/session"
	"github.com/normanking/cortexlive/internal/surface"
)

const (
	healthInterval  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options configures New. Source and Factory default to the microphone and
// the WebRTC stack.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Loader  *config.Loader
	Source  audio.Source
	Factory rtc.Factory
}

// App holds the running components
type App struct {
	cfg    *config.Config
	syslog *logging.Logger
	loader *config.Loader

	eventBus  *bus.EventBus
	metrics   *metrics.Metrics
	board     *surface.Board
	client    *backend.Client
	source    audio.Source
	audioSink *media.AudioSink
	videoSink *media.VideoSink
	session   *session.Controller
	capture   *capture.Pipeline
	voice     *capture.VoiceNote
	relay     *relay.Relay
	control   *control.Server

	closeOnce sync.Once
}

// LoggingConfig maps application config onto the logger's. Remote logs go
// to the backend's diagnostic endpoint.
func LoggingConfig(cfg *config.Config) *logging.Config {
	lc := logging.DefaultConfig()
	lc.LogDir = cfg.Logging.Dir
	lc.Level = logging.LogLevel(cfg.Logging.Level)
	lc.Console = cfg.Logging.Console
	lc.File = cfg.Logging.Dir != ""
	if cfg.Logging.Remote {
		lc.RemoteURL = backendURL(cfg, "/api/log")
		lc.RemoteLevel = logging.LogLevel(cfg.Logging.RemoteLevel)
	}
	return lc
}

// New builds every component. Nothing touches the network or devices
// until Run or an operator command.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	syslog := opts.Logger
	if syslog == nil {
		var err error
		syslog, err = logging.New(LoggingConfig(cfg))
		if err != nil {
			return nil, err
		}
	}
	zlogger := syslog.Zerolog()

	syslog.Debug("bus", "Creating event bus", nil)
	eventBus := bus.NewEventBus()
	m := metrics.New()
	board := surface.NewBoard(eventBus)

	syslog.Debug("backend", "Creating backend client", map[string]interface{}{
		"baseURL":    cfg.Backend.BaseURL,
		"answerMode": cfg.Backend.AnswerMode,
	})
	client := backend.NewClient(&backend.ClientConfig{
		BaseURL:    cfg.Backend.BaseURL,
		Timeout:    cfg.Backend.Timeout,
		AnswerMode: cfg.Backend.AnswerMode,
	}, zlogger)
	client.SetObserver(m.ObserveBackend)

	factory := opts.Factory
	if factory == nil {
		factory = rtc.NewPionFactory(zlogger)
	}
	source := opts.Source
	if source == nil {
		source = audio.NewMalgoSource(zlogger)
	}

	var audioOut, videoOut media.WriterFactory
	if cfg.Render.AudioPath != "" {
		audioOut = media.OggFile(cfg.Render.AudioPath)
	}
	if cfg.Render.VideoPath != "" {
		videoOut = media.IVFFile(cfg.Render.VideoPath)
	}
	audioSink := media.NewAudioSink(audioOut, zlogger)
	videoSink := media.NewVideoSink(videoOut, zlogger)

	syslog.Debug("session", "Creating session controller", nil)
	controller := session.NewController(session.Options{
		Backend:     client,
		Factory:     factory,
		Audio:       audioSink,
		Video:       videoSink,
		Board:       board,
		Bus:         eventBus,
		Metrics:     m,
		Logger:      zlogger,
		Defaults:    avatarDefaults(cfg),
		FallbackICE: fallbackICE(cfg),
	})

	format := captureFormat(cfg)
	pipeline := capture.NewPipeline(capture.Options{
		Source:        source,
		Transcriber:   client,
		Board:         board,
		Bus:           eventBus,
		Metrics:       m,
		Logger:        zlogger,
		ChunkInterval: cfg.Capture.ChunkInterval,
		Format:        format,
	})
	voice := capture.NewVoiceNote(source, board, format, zlogger)

	assistant := relay.New(relay.Options{
		Backend: client,
		Speaker: controller,
		Voice:   voice,
		Board:   board,
		Bus:     eventBus,
		Logger:  zlogger,
	})

	server := control.New(control.Options{
		Config:    cfg.Control,
		Session:   controller,
		Capture:   pipeline,
		Assistant: assistant,
		Board:     board,
		Bus:       eventBus,
		Metrics:   m,
		Logs:      syslog,
		Logger:    zlogger,
	})

	return &App{
		cfg:       cfg,
		syslog:    syslog,
		loader:    opts.Loader,
		eventBus:  eventBus,
		metrics:   m,
		board:     board,
		client:    client,
		source:    source,
		audioSink: audioSink,
		videoSink: videoSink,
		session:   controller,
		capture:   pipeline,
		voice:     voice,
		relay:     assistant,
		control:   server,
	}, nil
}

// Handler returns the control surface handler
func (a *App) Handler() http.Handler {
	return a.control.Router()
}

// Run serves the control surface until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.syslog.Info("main", "cortexlive starting", map[string]interface{}{
		"backend": a.cfg.Backend.BaseURL,
		"listen":  a.cfg.Control.ListenAddr,
	})

	if a.loader != nil && a.loader.ConfigFile() != "" {
		a.loader.Watch(a.ApplyConfig, func(err error) {
			a.syslog.Warn("config", "Ignoring invalid config change", map[string]interface{}{
				"error": err.Error(),
			})
		})
	}

	go a.monitorBackend(ctx)

	err := a.control.ListenAndServe(ctx, shutdownTimeout)
	a.Shutdown()
	return err
}

// ApplyConfig takes the settings that can change while running
func (a *App) ApplyConfig(cfg *config.Config) {
	a.session.SetDefaults(avatarDefaults(cfg))
	a.capture.SetChunkInterval(cfg.Capture.ChunkInterval)
	a.syslog.Info("config", "Configuration reloaded", map[string]interface{}{
		"avatar":        cfg.Avatar.AvatarID,
		"chunkInterval": cfg.Capture.ChunkInterval.String(),
	})
}

// ProbeBackend pings the backend once, publishing the result and gating
// chunked transcription on the advertised capability.
func (a *App) ProbeBackend(ctx context.Context) (*backend.PingResult, error) {
	result, err := a.client.Ping(ctx)
	if err != nil {
		a.syslog.Debug("connection", "Backend probe failed", map[string]interface{}{"error": err.Error()})
		a.eventBus.Publish(bus.Event{
			Type: bus.EventTypeBackendHealth,
			Data: map[string]any{"ok": false},
		})
		return nil, err
	}

	if result.TranscriptionKnown {
		a.control.SetTranscriptionAvailable(result.Transcription)
	}
	a.eventBus.Publish(bus.Event{
		Type: bus.EventTypeBackendHealth,
		Data: map[string]any{
			"ok":            true,
			"status":        result.Status,
			"transcription": result.Transcription,
		},
	})
	return result, nil
}

func (a *App) monitorBackend(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	healthy := true
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result, err := a.ProbeBackend(probeCtx)
		cancel()

		switch {
		case err != nil && healthy:
			a.syslog.Warn("connection", "Backend unreachable", map[string]interface{}{"error": err.Error()})
			healthy = false
		case err == nil && !healthy:
			a.syslog.Info("connection", "Backend reachable again", map[string]interface{}{
				"transcription": result.Transcription,
			})
			healthy = true
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops capture and the session and releases devices. Safe to
// call more than once.
func (a *App) Shutdown() {
	a.closeOnce.Do(func() {
		a.syslog.Info("lifecycle", "Shutting down", nil)
		a.capture.Close()
		if a.voice.Active() {
			_, _ = a.voice.End()
		}
		a.session.Close()
		if err := a.source.Close(); err != nil {
			a.syslog.Warn("lifecycle", "Failed to release audio backend", map[string]interface{}{"error": err.Error()})
		}
		a.eventBus.Clear()
		a.syslog.Info("lifecycle", "cortexlive shutdown complete", nil)
	})
}

func avatarDefaults(cfg *config.Config) session.AvatarParams {
	return session.AvatarParams{
		AvatarID: cfg.Avatar.AvatarID,
		VoiceID:  cfg.Avatar.VoiceID,
		PoseName: cfg.Avatar.PoseName,
	}
}

func fallbackICE(cfg *config.Config) []rtc.ICEServer {
	if len(cfg.RTC.FallbackICEServers) == 0 {
		return nil
	}
	return []rtc.ICEServer{{URLs: cfg.RTC.FallbackICEServers}}
}

func captureFormat(cfg *config.Config) audio.Format {
	return audio.Format{
		SampleRate: cfg.Capture.SampleRate,
		Channels:   cfg.Capture.Channels,
		BitDepth:   16,
	}
}

func backendURL(cfg *config.Config, path string) string {
	return strings.TrimRight(cfg.Backend.BaseURL, "/") + path
}
