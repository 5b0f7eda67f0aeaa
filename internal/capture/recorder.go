package capture

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/normanking/cortexlive/internal/audio"
)

// ErrRecorderInactive is returned when a recorder that is not recording is
// asked for data or stopped.
var ErrRecorderInactive = errors.New("recorder inactive")

// Chunk is one encoded slice of captured audio.
type Chunk struct {
	Seq        int
	Data       []byte // WAV encoded
	Duration   time.Duration
	CapturedAt time.Time
}

// Recorder accumulates PCM from a stream and emits a WAV chunk each time a
// boundary is requested. Chunks are emitted in order, from the caller's
// goroutine.
type Recorder struct {
	format  audio.Format
	onChunk func(Chunk)

	mu     sync.Mutex
	active bool
	buf    []byte
	seq    int
	since  time.Time
}

// NewRecorder creates a recorder for the given PCM format
func NewRecorder(format audio.Format, onChunk func(Chunk)) *Recorder {
	if format.BitDepth == 0 {
		format.BitDepth = 16
	}
	return &Recorder{format: format, onChunk: onChunk}
}

// Start begins accepting PCM
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.since = time.Now()
}

// Active reports whether the recorder is recording
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Write appends PCM. Data written while inactive is discarded.
func (r *Recorder) Write(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.buf = append(r.buf, pcm...)
}

// RequestData closes the current chunk. Nothing is emitted when no audio
// arrived since the last boundary.
func (r *Recorder) RequestData() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrRecorderInactive
	}
	r.flushLocked()
	return nil
}

// Stop flushes the final chunk and deactivates the recorder.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrRecorderInactive
	}
	r.flushLocked()
	r.active = false
	return nil
}

func (r *Recorder) flushLocked() {
	now := time.Now()
	if len(r.buf) == 0 {
		r.since = now
		return
	}

	pcm := r.buf
	r.buf = nil
	r.seq++

	chunk := Chunk{
		Seq:        r.seq,
		Data:       EncodeWAV(pcm, r.format),
		CapturedAt: r.since,
	}
	if bps := r.format.BytesPerSecond(); bps > 0 {
		chunk.Duration = time.Duration(len(pcm)) * time.Second / time.Duration(bps)
	}
	r.since = now

	if r.onChunk != nil {
		r.onChunk(chunk)
	}
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, format audio.Format) []byte {
	sampleRate := format.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := format.Channels
	if channels == 0 {
		channels = 1
	}

	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	out := make([]byte, 44, 44+dataSize)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM subchunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	return append(out, pcm...)
}
