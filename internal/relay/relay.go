// Package relay sends operator prompts to the assistant backend and has the
// avatar speak the replies.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/normanking/cortexlive/internal/bus"
	"github.com/normanking/cortexlive/internal/surface"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrEmptyPrompt = errors.New("empty prompt")
	ErrEmptyClip   = errors.New("voice clip is empty")
	ErrNoVoice     = errors.New("voice recording not available")
)

// VoiceClipName is the upload filename for push-to-talk clips
const VoiceClipName = "voice.wav"

// Backend is the assistant side of the backend client.
type Backend interface {
	Chat(ctx context.Context, text string) (string, error)
	Explain(ctx context.Context, name string, localized bool) (string, error)
	VoiceChat(ctx context.Context, filename string, audio []byte) (string, error)
}

// Speaker makes the avatar say text.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Recorder records one push-to-talk clip.
type Recorder interface {
	Begin(ctx context.Context, deviceID string) error
	End() ([]byte, error)
	Active() bool
}

// Options configures a Relay
type Options struct {
	Backend Backend
	Speaker Speaker
	Voice   Recorder
	Board   *surface.Board
	Bus     *bus.EventBus
	Logger  zerolog.Logger
}

// Relay runs one prompt at a time through the backend and the avatar.
type Relay struct {
	backend Backend
	speaker Speaker
	voice   Recorder
	board   *surface.Board
	logger  zerolog.Logger
}

// New creates a Relay
func New(opts Options) *Relay {
	if opts.Board == nil {
		opts.Board = surface.NewBoard(opts.Bus)
	}
	return &Relay{
		backend: opts.Backend,
		speaker: opts.Speaker,
		voice:   opts.Voice,
		board:   opts.Board,
		logger:  opts.Logger.With().Str("component", "relay").Logger(),
	}
}

// Chat sends free-form text and speaks the reply.
func (r *Relay) Chat(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyPrompt
	}

	r.logger.Info().Str("text", truncate(text, 100)).Msg("Chat requested")
	r.board.SetStatus(surface.StatusThinking)

	start := time.Now()
	reply, err := r.backend.Chat(ctx, text)
	if err != nil {
		r.board.SetStatus(surface.StatusTryAgain)
		r.logger.Error().Err(err).Msg("Chat failed")
		return "", err
	}

	return r.deliver(ctx, "chat", reply, start)
}

// Explain asks for a description of a catalog item. localized requests the
// alternate-language reply.
func (r *Relay) Explain(ctx context.Context, name string, localized bool) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyPrompt
	}

	explaining, retry := surface.StatusExplaining, surface.StatusTryAgain
	if localized {
		explaining, retry = surface.StatusExplainingZH, surface.StatusTryAgainZH
	}

	r.logger.Info().Str("name", name).Bool("localized", localized).Msg("Explain requested")
	r.board.SetStatus(explaining)

	start := time.Now()
	reply, err := r.backend.Explain(ctx, name, localized)
	if err != nil {
		r.board.SetStatus(retry)
		r.logger.Error().Err(err).Str("name", name).Msg("Explain failed")
		return "", err
	}

	return r.deliver(ctx, "explain", reply, start)
}

// BeginVoice starts a push-to-talk recording.
func (r *Relay) BeginVoice(ctx context.Context, deviceID string) error {
	if r.voice == nil {
		return ErrNoVoice
	}
	return r.voice.Begin(ctx, deviceID)
}

// VoiceActive reports whether a push-to-talk recording is running
func (r *Relay) VoiceActive() bool {
	return r.voice != nil && r.voice.Active()
}

// EndVoice stops the recording, sends the clip and speaks the reply.
func (r *Relay) EndVoice(ctx context.Context) (string, error) {
	if r.voice == nil {
		return "", ErrNoVoice
	}

	clip, err := r.voice.End()
	if err != nil {
		return "", err
	}
	r.board.SetStatus(surface.StatusProcessing)

	if len(clip) == 0 {
		r.board.SetStatus(surface.StatusReady)
		return "", ErrEmptyClip
	}

	r.logger.Info().Int("size", len(clip)).Msg("Sending voice clip")
	start := time.Now()
	reply, err := r.backend.VoiceChat(ctx, VoiceClipName, clip)
	if err != nil {
		r.board.SetStatus(surface.StatusTryAgain)
		r.logger.Error().Err(err).Msg("Voice chat failed")
		return "", err
	}

	return r.deliver(ctx, "voicechat", reply, start)
}

// deliver shows the reply and has the avatar speak it. A speak failure
// leaves the retry status set by the speaker; the reply is still returned.
func (r *Relay) deliver(ctx context.Context, kind, reply string, start time.Time) (string, error) {
	reply = strings.TrimSpace(reply)
	r.board.SetReply(reply)

	r.logger.Info().
		Str("kind", kind).
		Int("responseLen", len(reply)).
		Str("preview", truncate(reply, 100)).
		Dur("elapsed", time.Since(start)).
		Msg("Reply received")

	if reply == "" {
		r.board.SetStatus(surface.StatusReady)
		return "", nil
	}

	if r.speaker != nil {
		if err := r.speaker.Speak(ctx, reply); err != nil {
			r.logger.Warn().Err(err).Str("kind", kind).Msg("Avatar could not speak reply")
			return reply, err
		}
	}

	r.board.SetStatus(surface.StatusReady)
	return reply, nil
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
