package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/normanking/cortexlive/internal/backend"
	"github.com/normanking/cortexlive/internal/bus"
	"github.com/normanking/cortexlive/internal/logging"
	"github.com/normanking/cortexlive/internal/media"
	"github.com/normanking/cortexlive/internal/metrics"
	"github.com/normanking/cortexlive/internal/rtc"
	"github.com/normanking/cortexlive/internal/surface"
	"github.com/rs/zerolog"
)

// DefaultFallbackICE is used when the backend supplies no ICE servers.
var DefaultFallbackICE = []rtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// DefaultStopTimeout bounds the best-effort stop-session notification
const DefaultStopTimeout = 10 * time.Second

// Options configures a Controller
type Options struct {
	Backend     Backend
	Factory     rtc.Factory
	Audio       media.GatedSink
	Video       media.TrackSink
	Board       *surface.Board
	Bus         *bus.EventBus
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Defaults    AvatarParams
	FallbackICE []rtc.ICEServer
	StopTimeout time.Duration
}

// Controller owns the single live session. At most one start attempt is
// current; results of older attempts are discarded.
type Controller struct {
	backend     Backend
	factory     rtc.Factory
	audio       media.GatedSink
	video       media.TrackSink
	board       *surface.Board
	bus         *bus.EventBus
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	fallback    []rtc.ICEServer
	stopTimeout time.Duration

	mu          sync.Mutex
	state       State
	attempt     uint64
	cancel      context.CancelFunc
	settled     chan struct{}
	desc        *Descriptor
	defaults    AvatarParams
	lastFailure string
	onState     func(State)
}

// NewController creates an idle controller
func NewController(opts Options) *Controller {
	if len(opts.FallbackICE) == 0 {
		opts.FallbackICE = DefaultFallbackICE
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Board == nil {
		opts.Board = surface.NewBoard(opts.Bus)
	}

	c := &Controller{
		backend:     opts.Backend,
		factory:     opts.Factory,
		audio:       opts.Audio,
		video:       opts.Video,
		board:       opts.Board,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "session").Logger(),
		fallback:    opts.FallbackICE,
		stopTimeout: opts.StopTimeout,
		state:       StateIdle,
		defaults:    opts.Defaults,
	}
	c.metrics.SetSessionState(string(StateIdle), AllStates)
	return c
}

// SetStateHandler sets a callback for state changes. It runs with the
// controller lock held and must not call back into the controller.
func (c *Controller) SetStateHandler(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// SetDefaults replaces the avatar used when Start gets empty fields
func (c *Controller) SetDefaults(p AvatarParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = p
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:       c.state,
		Attempt:     c.attempt,
		LastFailure: c.lastFailure,
	}
	if c.desc != nil {
		snap.SessionID = c.desc.SessionID
		snap.SessionToken = c.desc.SessionToken
		snap.AvatarName = c.desc.AvatarName
	}
	if c.audio != nil {
		snap.AudioEnabled = c.audio.Enabled()
	}
	return snap
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a new attempt, superseding any attempt in progress and
// tearing down any live session. It returns when the attempt is live, has
// failed (*FailureError), or was superseded (ErrSuperseded).
func (c *Controller) Start(ctx context.Context, params AvatarParams) error {
	c.mu.Lock()
	c.attempt++
	id := c.attempt
	if c.cancel != nil {
		c.cancel()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	settled := make(chan struct{})
	c.settled = settled
	previous := c.desc
	c.desc = nil
	c.lastFailure = ""
	params = params.merge(c.defaults)
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	defer c.release(id, cancel, settled)

	c.closeTransport(previous)
	c.resetSinks()
	c.board.ShowPlaceholder()
	c.board.SetStatus(surface.StatusConnecting)
	if previous != nil {
		c.notifyStop(ctx, previous)
	}

	started := time.Now()
	log := c.logger.With().Uint64("attempt", id).Logger()
	log.Info().
		Str("avatar", params.AvatarID).
		Str("voice", params.VoiceID).
		Msg("Starting avatar session")

	offer, err := c.backend.CreateSession(attemptCtx, backend.AvatarParams{
		AvatarID: params.AvatarID,
		VoiceID:  params.VoiceID,
		PoseName: params.PoseName,
	})
	if !c.current(id) {
		if err == nil && offer.SessionID != "" {
			c.notifyStop(ctx, &Descriptor{SessionID: offer.SessionID, SessionToken: offer.SessionToken})
		}
		return c.stale(id, backend.CallCreateSession)
	}
	if err != nil {
		status := surface.StatusUnreachable
		if errors.Is(err, backend.ErrStatus) {
			status = surface.StatusNotReady
		}
		return c.fail(id, StageStart, err, status)
	}
	if !offer.Complete() {
		return c.fail(id, StageStart, ErrIncompleteOffer, surface.StatusNotReady)
	}

	desc := &Descriptor{
		SessionID:      offer.SessionID,
		SessionToken:   offer.SessionToken,
		RemoteOfferSDP: offer.OfferSDP,
		ICEServers:     c.iceServers(offer.ICEServers),
		AvatarName:     offer.AvatarName,
	}

	c.mu.Lock()
	if c.attempt != id {
		c.mu.Unlock()
		c.notifyStop(ctx, desc)
		return c.stale(id, backend.CallCreateSession)
	}
	c.desc = desc
	c.setStateLocked(StateNegotiating)
	c.mu.Unlock()

	log.Debug().
		Str("session", desc.SessionID).
		Int("ice_servers", len(desc.ICEServers)).
		Msg("Session created, negotiating")

	transport, err := c.factory.NewTransport(desc.ICEServers)
	if err != nil {
		return c.fail(id, StageNegotiate, fmt.Errorf("failed to create transport: %w", err), surface.StatusNegotiation)
	}

	c.mu.Lock()
	if c.attempt != id {
		c.mu.Unlock()
		transport.Close()
		return c.stale(id, "transport")
	}
	desc.transport = transport
	c.mu.Unlock()

	transport.OnTrack(func(track rtc.RemoteTrack) {
		c.attachTrack(id, track)
	})
	for _, kind := range []rtc.MediaKind{rtc.KindVideo, rtc.KindAudio} {
		if err := transport.AddReceiveOnly(kind); err != nil {
			return c.fail(id, StageNegotiate, fmt.Errorf("failed to add %s transceiver: %w", kind, err), surface.StatusNegotiation)
		}
	}
	if err := transport.SetRemoteOffer(desc.RemoteOfferSDP); err != nil {
		return c.fail(id, StageNegotiate, fmt.Errorf("failed to apply offer: %w", err), surface.StatusNegotiation)
	}

	answer, err := transport.CreateAnswer(attemptCtx)
	if !c.current(id) {
		return c.stale(id, "answer")
	}
	if err != nil {
		return c.fail(id, StageNegotiate, fmt.Errorf("failed to create answer: %w", err), surface.StatusNegotiation)
	}

	err = c.backend.SubmitAnswer(attemptCtx, desc.SessionID, desc.SessionToken, answer)
	if !c.current(id) {
		return c.stale(id, "submit-answer")
	}
	if err != nil {
		return c.fail(id, StageNegotiate, err, surface.StatusNegotiation)
	}

	c.mu.Lock()
	if c.attempt != id {
		c.mu.Unlock()
		return c.stale(id, "submit-answer")
	}
	c.setStateLocked(StateLive)
	c.mu.Unlock()

	c.board.ShowLive()
	c.board.SetStatus(surface.StatusReady)
	c.metrics.ObserveAttempt("live")
	c.metrics.ObserveTimeToLive(time.Since(started))
	log.Info().
		Str("session", desc.SessionID).
		Dur("elapsed", time.Since(started)).
		Msg("Avatar session live")
	return nil
}

// Stop tears down the session locally, then notifies the backend. It always
// leaves the controller idle and invalidates any attempt in progress.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	c.attempt++
	cancel := c.cancel
	c.cancel = nil
	desc := c.desc
	c.desc = nil
	wasActive := c.state != StateIdle
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeTransport(desc)
	c.resetSinks()
	c.board.ShowPlaceholder()
	c.board.SetStatus(surface.StatusStopped)

	if wasActive {
		c.logger.Info().Msg("Avatar session stopped")
	}
	if desc != nil {
		c.notifyStop(ctx, desc)
	}
}

// EnableAudio unmutes avatar audio. It reports false when not live.
func (c *Controller) EnableAudio() bool {
	return c.setAudio(true)
}

// DisableAudio mutes avatar audio. It reports false when not live.
func (c *Controller) DisableAudio() bool {
	return c.setAudio(false)
}

func (c *Controller) setAudio(enabled bool) bool {
	c.mu.Lock()
	if c.state != StateLive || c.audio == nil {
		c.mu.Unlock()
		return false
	}
	c.audio.SetEnabled(enabled)
	c.mu.Unlock()

	c.publish(bus.EventTypeAudioGate, map[string]any{"enabled": enabled})
	return true
}

// Speak asks the avatar to say text. When idle it starts a session first;
// when an attempt is in progress it waits for that attempt instead of
// superseding it. A relay failure sets the retry status and is returned.
func (c *Controller) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	if err := c.awaitSession(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	desc := c.desc
	live := c.state == StateLive
	c.mu.Unlock()
	if !live || desc == nil {
		return ErrNotLive
	}

	if err := c.backend.SendTask(ctx, desc.SessionID, desc.SessionToken, text); err != nil {
		c.metrics.ObserveSpeak("error")
		c.board.SetStatus(surface.StatusTryAgain)
		c.logger.Error().Err(err).Str("session", desc.SessionID).Msg("Failed to relay speech")
		return err
	}

	c.metrics.ObserveSpeak("ok")
	c.publish(bus.EventTypeSpeakTask, map[string]any{
		"session": desc.SessionID,
		"chars":   len(text),
	})
	return nil
}

// awaitSession returns once a session is live. It starts one only when the
// controller is idle; an attempt that was waited on and did not go live
// yields ErrNotLive.
func (c *Controller) awaitSession(ctx context.Context) error {
	waited := false
	for {
		c.mu.Lock()
		state := c.state
		settled := c.settled
		c.mu.Unlock()

		switch state {
		case StateLive:
			return nil
		case StateIdle:
			if waited {
				return ErrNotLive
			}
			c.logger.Info().Msg("No live session, starting before speaking")
			return c.Start(ctx, AvatarParams{})
		}

		c.logger.Debug().Str("state", string(state)).Msg("Waiting for session before speaking")
		select {
		case <-settled:
			waited = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the session
func (c *Controller) Close() {
	c.Stop(context.Background())
}

func (c *Controller) current(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt == id
}

// release cancels the attempt context, forgets it if still current and
// wakes callers waiting for the attempt to settle.
func (c *Controller) release(id uint64, cancel context.CancelFunc, settled chan struct{}) {
	c.mu.Lock()
	if c.attempt == id {
		c.cancel = nil
	}
	c.mu.Unlock()
	cancel()
	close(settled)
}

// notifyStop tells the backend a session is over. Best effort.
func (c *Controller) notifyStop(ctx context.Context, desc *Descriptor) {
	stopCtx, done := logging.DetachContextWithTimeout(ctx, c.stopTimeout)
	defer done()
	if err := c.backend.StopSession(stopCtx, desc.SessionID, desc.SessionToken); err != nil {
		c.logger.Warn().Err(err).Str("session", desc.SessionID).Msg("Failed to notify backend of stop")
	}
}

func (c *Controller) stale(id uint64, step string) error {
	c.metrics.ObserveStale()
	c.logger.Debug().Uint64("attempt", id).Str("step", step).Msg("Discarding superseded result")
	c.publish(bus.EventTypeStaleDiscarded, map[string]any{"attempt": id, "step": step})
	return ErrSuperseded
}

// fail ends attempt id. It is the only place a negotiation failure is
// logged, so each failure produces exactly one event.
func (c *Controller) fail(id uint64, stage Stage, err error, status string) error {
	c.mu.Lock()
	if c.attempt != id {
		c.mu.Unlock()
		return c.stale(id, string(stage))
	}
	desc := c.desc
	c.desc = nil
	c.lastFailure = string(stage)
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.closeTransport(desc)
	c.resetSinks()
	c.board.ShowPlaceholder()
	c.board.SetStatus(status)
	if desc != nil {
		c.notifyStop(context.Background(), desc)
	}

	c.metrics.ObserveAttempt("failed")
	c.metrics.ObserveNegotiationFailure(string(stage))
	c.logger.Error().
		Err(err).
		Str("event", "negotiation_failure").
		Str("stage", string(stage)).
		Uint64("attempt", id).
		Msg("Avatar negotiation failed")
	c.publish(bus.EventTypeSessionFailed, map[string]any{
		"attempt": id,
		"stage":   string(stage),
		"status":  status,
	})
	return &FailureError{Stage: stage, Status: status, Err: err}
}

func (c *Controller) attachTrack(id uint64, track rtc.RemoteTrack) {
	c.mu.Lock()
	ok := c.attempt == id && c.desc != nil
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("track", track.ID()).Msg("Ignoring track from superseded attempt")
		return
	}

	var sink media.TrackSink
	switch track.Kind() {
	case rtc.KindAudio:
		if c.audio != nil {
			sink = c.audio
		}
	case rtc.KindVideo:
		if c.video != nil {
			sink = c.video
		}
	}
	if sink == nil || !sink.Attach(track) {
		return
	}

	c.logger.Info().
		Str("kind", string(track.Kind())).
		Str("mime", track.MimeType()).
		Msg("Remote track attached")
	c.publish(bus.EventTypeTrackAttached, map[string]any{
		"kind": string(track.Kind()),
		"id":   track.ID(),
		"mime": track.MimeType(),
	})
}

func (c *Controller) iceServers(servers []backend.ICEServer) []rtc.ICEServer {
	out := make([]rtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, rtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	if len(out) == 0 {
		return c.fallback
	}
	return out
}

func (c *Controller) closeTransport(desc *Descriptor) {
	if desc == nil || desc.transport == nil {
		return
	}
	if err := desc.transport.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close transport")
	}
}

// resetSinks detaches tracks and mutes audio.
func (c *Controller) resetSinks() {
	if c.audio != nil {
		c.audio.Reset()
	}
	if c.video != nil {
		c.video.Reset()
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.metrics.SetSessionState(string(s), AllStates)
	if c.onState != nil {
		c.onState(s)
	}
	c.publish(bus.EventTypeSessionState, map[string]any{
		"from":    string(prev),
		"to":      string(s),
		"attempt": c.attempt,
	})
}

func (c *Controller) publish(t bus.EventType, data map[string]any) {
	if c.bus != nil {
		c.bus.Publish(bus.Event{Type: t, Data: data})
	}
}
