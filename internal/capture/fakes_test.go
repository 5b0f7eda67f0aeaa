package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/normanking/cortexlive/internal/audio"
)

type fakeStream struct {
	mu       sync.Mutex
	onData   func([]byte)
	started  bool
	closed   bool
	startErr error
}

func (s *fakeStream) Start(onData func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.onData = onData
	s.started = true
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.closed = true
	s.onData = nil
	return nil
}

func (s *fakeStream) Format() audio.Format { return audio.DefaultFormat() }
func (s *fakeStream) Device() audio.Device { return audio.Device{ID: "mic-1", Name: "Test Mic"} }

// emit delivers PCM as the audio backend would.
func (s *fakeStream) emit(pcm []byte) {
	s.mu.Lock()
	fn := s.onData
	active := s.started && !s.closed
	s.mu.Unlock()
	if active && fn != nil {
		fn(pcm)
	}
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	mu      sync.Mutex
	streams []*fakeStream
	opened  []string
	openErr error
	devices []audio.Device
	listErr error
}

func (s *fakeSource) Devices(ctx context.Context) ([]audio.Device, error) {
	return s.devices, s.listErr
}

func (s *fakeSource) Open(ctx context.Context, deviceID string, format audio.Format) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	stream := &fakeStream{}
	s.streams = append(s.streams, stream)
	s.opened = append(s.opened, deviceID)
	return stream, nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) last() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

// manualTicker fires only when told to.
type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// fire blocks until the pipeline has received the tick.
func (t *manualTicker) fire() {
	t.ch <- time.Now()
}

type transcribeCall struct {
	filename string
	size     int
}

// scriptedTranscriber answers by chunk filename.
type scriptedTranscriber struct {
	mu      sync.Mutex
	calls   []transcribeCall
	answers map[string]string
	failing map[string]bool
	byPCM   map[byte]string // answers keyed by the first sample byte
	gate    chan struct{}   // when set, the first call waits for it
	gated   bool
}

var errTranscribe = errors.New("transcribe failed")

func (s *scriptedTranscriber) Transcribe(ctx context.Context, filename string, data []byte) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, transcribeCall{filename: filename, size: len(data)})
	wait := s.gate != nil && !s.gated
	s.gated = true
	s.mu.Unlock()

	if wait {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[filename] {
		return "", errTranscribe
	}
	if s.byPCM != nil && len(data) > 44 {
		return s.byPCM[data[44]], nil
	}
	return s.answers[filename], nil
}

func (s *scriptedTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedTranscriber) filenames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.filename)
	}
	return out
}
