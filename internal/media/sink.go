// Package media renders received avatar tracks. Sinks drain the inbound RTP
// stream and optionally record it to disk.
package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/normanking/cortexlive/internal/rtc"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

// PacketWriter consumes RTP packets. oggwriter and ivfwriter satisfy it.
type PacketWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// WriterFactory opens a fresh writer for each attached track.
type WriterFactory func() (PacketWriter, error)

// OggFile records Opus audio to path.
func OggFile(path string) WriterFactory {
	return func() (PacketWriter, error) {
		w, err := oggwriter.New(path, 48000, 2)
		if err != nil {
			return nil, fmt.Errorf("failed to open ogg writer: %w", err)
		}
		return w, nil
	}
}

// IVFFile records VP8 video to path.
func IVFFile(path string) WriterFactory {
	return func() (PacketWriter, error) {
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ivf writer: %w", err)
		}
		return w, nil
	}
}

// TrackSink accepts one remote track at a time.
type TrackSink interface {
	// Attach binds track to the sink. It returns false when a track is
	// already attached.
	Attach(track rtc.RemoteTrack) bool
	// Reset detaches the current track and closes its writer.
	Reset()
	Stats() Stats
}

// GatedSink is a TrackSink whose output can be muted.
type GatedSink interface {
	TrackSink
	SetEnabled(enabled bool)
	Enabled() bool
}

// Stats is a snapshot of sink counters.
type Stats struct {
	Attached  bool   `json:"attached"`
	Track     string `json:"track,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Received  int64  `json:"received"`
	Forwarded int64  `json:"forwarded"`
	Dropped   int64  `json:"dropped"`
}

type sink struct {
	kind   rtc.MediaKind
	gated  bool
	open   WriterFactory
	logger zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	track    string
	mimeType string
	writer   PacketWriter
	enabled  bool

	received  atomic.Int64
	forwarded atomic.Int64
	dropped   atomic.Int64
}

func newSink(kind rtc.MediaKind, gated bool, open WriterFactory, logger zerolog.Logger) *sink {
	return &sink{
		kind:    kind,
		gated:   gated,
		open:    open,
		logger:  logger.With().Str("component", "media").Str("kind", string(kind)).Logger(),
		enabled: !gated,
	}
}

func trackKey(track rtc.RemoteTrack) string {
	return track.StreamID() + "/" + track.ID()
}

func (s *sink) Attach(track rtc.RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track != "" {
		return false
	}

	var writer PacketWriter
	if s.open != nil {
		w, err := s.open()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Recording disabled for track")
		} else {
			writer = w
		}
	}

	s.gen++
	s.track = trackKey(track)
	s.mimeType = track.MimeType()
	s.writer = writer
	s.logger.Info().Str("track", s.track).Str("mime", s.mimeType).Msg("Track attached")

	go s.pump(s.gen, track)
	return true
}

func (s *sink) pump(gen uint64, track rtc.RemoteTrack) {
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Track ended")
			return
		}

		s.mu.Lock()
		if s.gen != gen || s.track == "" {
			s.mu.Unlock()
			return
		}
		s.received.Add(1)
		if !s.enabled {
			s.dropped.Add(1)
			s.mu.Unlock()
			continue
		}
		s.forwarded.Add(1)
		if s.writer != nil {
			if err := s.writer.WriteRTP(pkt); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to record packet")
			}
		}
		s.mu.Unlock()
	}
}

func (s *sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.track = ""
	s.mimeType = ""
	if s.gated {
		s.enabled = false
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close recorder")
		}
		s.writer = nil
	}
}

func (s *sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Attached:  s.track != "",
		Track:     s.track,
		MimeType:  s.mimeType,
		Received:  s.received.Load(),
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// AudioSink plays (records) avatar audio behind a mute gate. It starts muted.
type AudioSink struct {
	*sink
}

// NewAudioSink creates an audio sink. open may be nil.
func NewAudioSink(open WriterFactory, logger zerolog.Logger) *AudioSink {
	return &AudioSink{sink: newSink(rtc.KindAudio, true, open, logger)}
}

// SetEnabled opens or closes the gate
func (a *AudioSink) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// Enabled reports the gate
func (a *AudioSink) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// VideoSink renders (records) avatar video.
type VideoSink struct {
	*sink
}

// NewVideoSink creates a video sink. open may be nil.
func NewVideoSink(open WriterFactory, logger zerolog.Logger) *VideoSink {
	return &VideoSink{sink: newSink(rtc.KindVideo, false, open, logger)}
}
