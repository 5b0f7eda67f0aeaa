package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/normanking/cortexlive/internal/surface"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type explainCall struct {
	name      string
	localized bool
}

type fakeBackend struct {
	reply      string
	err        error
	chats      []string
	explains   []explainCall
	clips      [][]byte
	clipNames  []string
	statusSeen []string
	board      *surface.Board
}

func (b *fakeBackend) record() {
	if b.board != nil {
		b.statusSeen = append(b.statusSeen, b.board.Status())
	}
}

func (b *fakeBackend) Chat(ctx context.Context, text string) (string, error) {
	b.record()
	b.chats = append(b.chats, text)
	return b.reply, b.err
}

func (b *fakeBackend) Explain(ctx context.Context, name string, localized bool) (string, error) {
	b.record()
	b.explains = append(b.explains, explainCall{name, localized})
	return b.reply, b.err
}

func (b *fakeBackend) VoiceChat(ctx context.Context, filename string, audio []byte) (string, error) {
	b.record()
	b.clipNames = append(b.clipNames, filename)
	b.clips = append(b.clips, audio)
	return b.reply, b.err
}

type fakeSpeaker struct {
	mu    sync.Mutex
	said  []string
	err   error
	board *surface.Board
}

func (s *fakeSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.board.SetStatus(surface.StatusTryAgain)
		return s.err
	}
	s.said = append(s.said, text)
	return nil
}

type fakeRecorder struct {
	active   bool
	clip     []byte
	beginErr error
	device   string
}

func (r *fakeRecorder) Begin(ctx context.Context, deviceID string) error {
	if r.beginErr != nil {
		return r.beginErr
	}
	r.active = true
	r.device = deviceID
	return nil
}

func (r *fakeRecorder) End() ([]byte, error) {
	if !r.active {
		return nil, errors.New("not recording")
	}
	r.active = false
	return r.clip, nil
}

func (r *fakeRecorder) Active() bool { return r.active }

type relayHarness struct {
	board    *surface.Board
	backend  *fakeBackend
	speaker  *fakeSpeaker
	recorder *fakeRecorder
	relay    *Relay
}

func newRelayHarness() *relayHarness {
	board := surface.NewBoard(nil)
	h := &relayHarness{
		board:    board,
		backend:  &fakeBackend{board: board},
		speaker:  &fakeSpeaker{board: board},
		recorder: &fakeRecorder{},
	}
	h.relay = New(Options{
		Backend: h.backend,
		Speaker: h.speaker,
		Voice:   h.recorder,
		Board:   board,
		Logger:  zerolog.Nop(),
	})
	return h
}

func TestChat_SpeaksReply(t *testing.T) {
	h := newRelayHarness()
	h.backend.reply = "  Hello there.  "

	reply, err := h.relay.Chat(context.Background(), " hi ")
	require.NoError(t, err)

	assert.Equal(t, "Hello there.", reply)
	assert.Equal(t, []string{"hi"}, h.backend.chats)
	assert.Equal(t, []string{surface.StatusThinking}, h.backend.statusSeen)
	assert.Equal(t, "Hello there.", h.board.Reply())
	assert.Equal(t, []string{"Hello there."}, h.speaker.said)
	assert.Equal(t, surface.StatusReady, h.board.Status())
}

func TestChat_Failures(t *testing.T) {
	h := newRelayHarness()

	_, err := h.relay.Chat(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, h.backend.chats)

	h.backend.err = errors.New("502")
	_, err = h.relay.Chat(context.Background(), "hi")
	assert.Error(t, err)
	assert.Equal(t, surface.StatusTryAgain, h.board.Status())
	assert.Empty(t, h.speaker.said)
}

func TestChat_SpeakFailureKeepsReply(t *testing.T) {
	h := newRelayHarness()
	h.backend.reply = "answer"
	h.speaker.err = errors.New("relay down")

	reply, err := h.relay.Chat(context.Background(), "hi")
	assert.Error(t, err)
	assert.Equal(t, "answer", reply)
	assert.Equal(t, "answer", h.board.Reply())
	assert.Equal(t, surface.StatusTryAgain, h.board.Status())
}

func TestChat_EmptyReplyIsNotSpoken(t *testing.T) {
	h := newRelayHarness()

	reply, err := h.relay.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Empty(t, h.speaker.said)
	assert.Equal(t, surface.StatusReady, h.board.Status())
}

func TestExplain_Localization(t *testing.T) {
	tests := []struct {
		name        string
		localized   bool
		wantStatus  string
		wantFailure string
	}{
		{"english", false, surface.StatusExplaining, surface.StatusTryAgain},
		{"localized", true, surface.StatusExplainingZH, surface.StatusTryAgainZH},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRelayHarness()
			h.backend.reply = "A warm amber scent."

			reply, err := h.relay.Explain(context.Background(), "Santal 33", tt.localized)
			require.NoError(t, err)
			assert.Equal(t, "A warm amber scent.", reply)
			assert.Equal(t, []explainCall{{"Santal 33", tt.localized}}, h.backend.explains)
			assert.Equal(t, []string{tt.wantStatus}, h.backend.statusSeen)
			assert.Equal(t, surface.StatusReady, h.board.Status())

			h.backend.err = errors.New("boom")
			_, err = h.relay.Explain(context.Background(), "Santal 33", tt.localized)
			assert.Error(t, err)
			assert.Equal(t, tt.wantFailure, h.board.Status())
		})
	}
}

func TestVoice_RoundTrip(t *testing.T) {
	h := newRelayHarness()
	h.recorder.clip = []byte("RIFF....WAVE")
	h.backend.reply = "Sure."

	_, err := h.relay.EndVoice(context.Background())
	assert.Error(t, err, "nothing recording")

	require.NoError(t, h.relay.BeginVoice(context.Background(), "mic-2"))
	assert.True(t, h.relay.VoiceActive())
	assert.Equal(t, "mic-2", h.recorder.device)

	reply, err := h.relay.EndVoice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Sure.", reply)
	assert.False(t, h.relay.VoiceActive())
	assert.Equal(t, []string{VoiceClipName}, h.backend.clipNames)
	assert.Equal(t, [][]byte{[]byte("RIFF....WAVE")}, h.backend.clips)
	assert.Equal(t, []string{surface.StatusProcessing}, h.backend.statusSeen)
	assert.Equal(t, []string{"Sure."}, h.speaker.said)
	assert.Equal(t, surface.StatusReady, h.board.Status())
}

func TestVoice_EmptyClipAndMissingRecorder(t *testing.T) {
	h := newRelayHarness()
	require.NoError(t, h.relay.BeginVoice(context.Background(), ""))

	_, err := h.relay.EndVoice(context.Background())
	assert.ErrorIs(t, err, ErrEmptyClip)
	assert.Empty(t, h.backend.clips)
	assert.Equal(t, surface.StatusReady, h.board.Status())

	bare := New(Options{Backend: h.backend, Logger: zerolog.Nop()})
	assert.ErrorIs(t, bare.BeginVoice(context.Background(), ""), ErrNoVoice)
	assert.False(t, bare.VoiceActive())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "解释...", truncate("解释中", 2))
}
