package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/normanking/cortexlive/internal/audio"
	"github.com/normanking/cortexlive/internal/surface"
	"github.com/rs/zerolog"
)

// VoiceNote records a single push-to-talk utterance into one WAV clip.
type VoiceNote struct {
	source audio.Source
	board  *surface.Board
	format audio.Format
	logger zerolog.Logger

	mu       sync.Mutex
	stream   audio.Stream
	recorder *Recorder
	clip     []byte
}

// NewVoiceNote creates an idle voice note recorder
func NewVoiceNote(source audio.Source, board *surface.Board, format audio.Format, logger zerolog.Logger) *VoiceNote {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = audio.DefaultFormat()
	}
	return &VoiceNote{
		source: source,
		board:  board,
		format: format,
		logger: logger.With().Str("component", "voice").Logger(),
	}
}

// Active reports whether an utterance is being recorded
func (v *VoiceNote) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stream != nil
}

// Begin acquires the microphone and starts recording.
func (v *VoiceNote) Begin(ctx context.Context, deviceID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stream != nil {
		return ErrAlreadyRecording
	}

	stream, err := v.source.Open(ctx, deviceID, v.format)
	if err != nil {
		return v.permissionDenied(err)
	}

	v.clip = nil
	recorder := NewRecorder(stream.Format(), func(c Chunk) {
		v.clip = c.Data
	})
	recorder.Start()
	if err := stream.Start(recorder.Write); err != nil {
		stream.Close()
		return v.permissionDenied(err)
	}

	v.stream = stream
	v.recorder = recorder
	v.logger.Info().Str("device", stream.Device().Name).Msg("Mic pressed")
	return nil
}

// End stops recording and returns the WAV clip. It returns
// ErrRecorderInactive when nothing is recording.
func (v *VoiceNote) End() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stream == nil {
		return nil, ErrRecorderInactive
	}

	// The recorder emits its single chunk synchronously from Stop.
	err := v.recorder.Stop()
	if cerr := v.stream.Close(); cerr != nil {
		v.logger.Warn().Err(cerr).Msg("Failed to release capture stream")
	}
	v.stream = nil
	v.recorder = nil

	clip := v.clip
	v.clip = nil
	if err != nil && !errors.Is(err, ErrRecorderInactive) {
		return nil, err
	}
	v.logger.Info().Int("bytes", len(clip)).Msg("Voice note recorded")
	return clip, nil
}

func (v *VoiceNote) permissionDenied(err error) error {
	if v.board != nil {
		v.board.SetStatus(surface.StatusMicPermission)
	}
	v.logger.Warn().Err(err).Msg("Mic failed")
	return fmt.Errorf("%w: %v", ErrPermission, err)
}
