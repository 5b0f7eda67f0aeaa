// Package capture records the microphone in fixed-interval chunks and feeds
// each chunk to the transcription backend, appending recognized text to the
// shared transcript.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/cortexlive/internal/audio"
	"github.com/normanking/cortexlive/internal/bus"
	"github.com/normanking/cortexlive/internal/metrics"
	"github.com/normanking/cortexlive/internal/surface"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrAlreadyRecording = errors.New("capture already running")
	ErrPermission       = errors.New("microphone unavailable")
	ErrAborted          = errors.New("capture start aborted")
)

// DefaultChunkInterval is the boundary period between chunks
const DefaultChunkInterval = 4 * time.Second

// Transcriber turns one encoded audio chunk into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// Ticker delivers chunk boundaries.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

// NewTimeTicker returns a Ticker backed by time.Ticker
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}

// Options configures a Pipeline
type Options struct {
	Source        audio.Source
	Transcriber   Transcriber
	Board         *surface.Board
	Bus           *bus.EventBus
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	ChunkInterval time.Duration
	Format        audio.Format
	NewTicker     func(time.Duration) Ticker
}

type pipelineState int

const (
	stateStopped pipelineState = iota
	stateStarting
	stateRecording
)

// Pipeline owns at most one capture run at a time.
type Pipeline struct {
	source      audio.Source
	transcriber Transcriber
	board       *surface.Board
	bus         *bus.EventBus
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	interval    time.Duration
	format      audio.Format
	newTicker   func(time.Duration) Ticker

	baseCtx context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	mu    sync.Mutex
	state pipelineState
	abort bool
	run   *run

	// delivered closes when the latest run's queue is drained
	delivered chan struct{}
}

// run is one capture session: the stream and recorder it exclusively owns,
// the boundary ticker and the delivery queue.
type run struct {
	id       string
	stream   audio.Stream
	recorder *Recorder
	ticker   Ticker
	stopTick chan struct{}
	tickDone chan struct{}
	queue    *chunkQueue

	// after is the previous run's delivered channel; this run appends
	// nothing until it closes.
	after     <-chan struct{}
	delivered chan struct{}
}

// NewPipeline creates a stopped pipeline
func NewPipeline(opts Options) *Pipeline {
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = DefaultChunkInterval
	}
	if opts.Format.SampleRate <= 0 || opts.Format.Channels <= 0 {
		opts.Format = audio.DefaultFormat()
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTimeTicker
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		source:      opts.Source,
		transcriber: opts.Transcriber,
		board:       opts.Board,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "capture").Logger(),
		interval:    opts.ChunkInterval,
		format:      opts.Format,
		newTicker:   opts.NewTicker,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// SetChunkInterval changes the interval used by the next run
func (p *Pipeline) SetChunkInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

// IsRecording reports whether a run is active
func (p *Pipeline) IsRecording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRecording
}

// ListInputDevices enumerates capture devices. Failures are logged and
// yield an empty list.
func (p *Pipeline) ListInputDevices(ctx context.Context) []audio.Device {
	devices, err := p.source.Devices(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to enumerate input devices")
		return []audio.Device{}
	}
	return devices
}

// StartCapture acquires the microphone and starts chunked transcription.
// It fails with ErrAlreadyRecording while a run is active and with an
// ErrPermission-wrapped error when the device cannot be acquired.
func (p *Pipeline) StartCapture(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	if p.state != stateStopped {
		p.mu.Unlock()
		return ErrAlreadyRecording
	}
	p.state = stateStarting
	p.abort = false
	interval := p.interval
	p.mu.Unlock()

	stream, err := p.source.Open(ctx, deviceID, p.format)
	if err != nil {
		return p.failStart(err)
	}

	r := &run{
		id:        uuid.NewString(),
		stream:    stream,
		stopTick:  make(chan struct{}),
		tickDone:  make(chan struct{}),
		queue:     newChunkQueue(),
		delivered: make(chan struct{}),
	}
	r.recorder = NewRecorder(stream.Format(), func(c Chunk) {
		p.metrics.ObserveChunk()
		r.queue.push(c)
	})
	r.recorder.Start()

	if err := stream.Start(r.recorder.Write); err != nil {
		stream.Close()
		return p.failStart(err)
	}

	p.mu.Lock()
	if p.abort {
		p.state = stateStopped
		p.mu.Unlock()
		r.recorder.Stop()
		stream.Close()
		p.logger.Info().Msg("Capture start aborted by stop")
		return ErrAborted
	}
	r.ticker = p.newTicker(interval)
	r.after = p.delivered
	p.delivered = r.delivered
	p.run = r
	p.state = stateRecording
	p.workers.Add(2)
	p.mu.Unlock()

	go p.tick(r)
	go p.deliver(r)

	p.logger.Info().
		Str("run", r.id).
		Str("device", stream.Device().Name).
		Dur("interval", interval).
		Msg("Capture started")
	p.publish(bus.EventTypeCaptureStarted, map[string]any{"run": r.id, "device": stream.Device().Name})
	return nil
}

func (p *Pipeline) failStart(err error) error {
	p.mu.Lock()
	p.state = stateStopped
	p.mu.Unlock()

	if p.board != nil {
		p.board.SetStatus(surface.StatusMicPermission)
	}
	p.logger.Warn().Err(err).Msg("Mic permission required.")
	return fmt.Errorf("%w: %v", ErrPermission, err)
}

// StopCapture ends the active run. The final partial chunk is flushed and
// still delivered; the stream is released immediately. Safe to call when
// nothing is recording.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	if p.state == stateStarting {
		p.abort = true
	}
	r := p.run
	p.run = nil
	if r != nil {
		p.state = stateStopped
	}
	p.mu.Unlock()

	if r == nil {
		return
	}

	close(r.stopTick)
	<-r.tickDone

	if err := r.recorder.Stop(); err != nil && !errors.Is(err, ErrRecorderInactive) {
		p.logger.Warn().Err(err).Msg("Failed to stop recorder")
	}
	if err := r.stream.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to release capture stream")
	}
	r.queue.close()

	p.logger.Info().Str("run", r.id).Msg("Capture stopped")
	p.publish(bus.EventTypeCaptureStopped, map[string]any{"run": r.id})
}

// Wait blocks until every queued chunk has been delivered or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops capture and abandons outstanding deliveries.
func (p *Pipeline) Close() {
	p.StopCapture()
	p.cancel()
}

func (p *Pipeline) tick(r *run) {
	defer p.workers.Done()
	defer close(r.tickDone)
	defer r.ticker.Stop()

	for {
		select {
		case <-r.stopTick:
			return
		case <-r.ticker.C():
			if err := r.recorder.RequestData(); err != nil {
				return
			}
		}
	}
}

// deliver sends chunks one at a time so the transcript keeps emission order,
// after any earlier run has finished delivering.
func (p *Pipeline) deliver(r *run) {
	defer p.workers.Done()
	defer close(r.delivered)

	if r.after != nil {
		select {
		case <-r.after:
		case <-p.baseCtx.Done():
		}
	}

	for {
		chunk, ok := r.queue.pop()
		if !ok {
			return
		}
		p.transcribe(r, chunk)
	}
}

func (p *Pipeline) transcribe(r *run, chunk Chunk) {
	filename := fmt.Sprintf("chunk-%d.wav", chunk.Seq)
	log := p.logger.With().Str("run", r.id).Int("seq", chunk.Seq).Logger()

	if p.transcriber == nil {
		p.metrics.ObserveChunkResult("skipped")
		return
	}

	text, err := p.transcriber.Transcribe(p.baseCtx, filename, chunk.Data)
	if err != nil {
		p.metrics.ObserveChunkResult("error")
		log.Warn().Err(err).Msg("Chunk transcription failed")
		return
	}
	if text == "" {
		p.metrics.ObserveChunkResult("empty")
		log.Debug().Msg("Chunk had no speech")
		return
	}

	p.metrics.ObserveChunkResult("ok")
	if p.board != nil {
		p.board.AppendTranscript(text)
	}
	p.publish(bus.EventTypeChunk, map[string]any{
		"run":  r.id,
		"seq":  chunk.Seq,
		"text": text,
	})
	log.Debug().Int("chars", len(text)).Dur("duration", chunk.Duration).Msg("Chunk transcribed")
}

func (p *Pipeline) publish(t bus.EventType, data map[string]any) {
	if p.bus != nil {
		p.bus.Publish(bus.Event{Type: t, Data: data})
	}
}

// chunkQueue is an unbounded FIFO; push never blocks.
type chunkQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Chunk
	closed bool
}

func newChunkQueue() *chunkQueue {
	q := &chunkQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *chunkQueue) push(c Chunk) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, c)
	q.cond.Signal()
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *chunkQueue) pop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Chunk{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}
