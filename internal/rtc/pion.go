package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PionFactory creates transports backed by pion/webrtc with the default
// codecs and interceptors.
type PionFactory struct {
	logger zerolog.Logger
}

// NewPionFactory creates a new factory
func NewPionFactory(logger zerolog.Logger) *PionFactory {
	return &PionFactory{
		logger: logger.With().Str("component", "rtc").Logger(),
	}
}

// NewTransport creates a new peer connection configured with servers.
func (f *PionFactory) NewTransport(servers []ICEServer) (Transport, error) {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &pionTransport{pc: pc, logger: f.logger}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Info().Str("state", state.String()).Msg("ICE connection state changed")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.mu.Lock()
		handler, closed := t.onTrack, t.closed
		t.mu.Unlock()
		if closed || handler == nil {
			return
		}
		t.logger.Debug().
			Str("kind", track.Kind().String()).
			Str("track", track.ID()).
			Str("stream", track.StreamID()).
			Msg("Remote track received")
		handler(&pionTrack{track: track})
	})

	return t, nil
}

type pionTransport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	onTrack func(RemoteTrack)
}

func (t *pionTransport) AddReceiveOnly(kind MediaKind) error {
	codecType := webrtc.RTPCodecTypeAudio
	if kind == KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	_, err := t.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
	}
	return nil
}

func (t *pionTransport) SetRemoteOffer(sdp string) error {
	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	return nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

func (t *pionTransport) OnTrack(fn func(RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.onTrack = nil
	t.mu.Unlock()

	for _, sender := range t.pc.GetSenders() {
		if err := sender.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("Failed to stop sender")
		}
	}
	return t.pc.Close()
}

type pionTrack struct {
	track *webrtc.TrackRemote
}

func (p *pionTrack) ID() string       { return p.track.ID() }
func (p *pionTrack) StreamID() string { return p.track.StreamID() }
func (p *pionTrack) MimeType() string { return p.track.Codec().MimeType }

func (p *pionTrack) Kind() MediaKind {
	if p.track.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (p *pionTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := p.track.ReadRTP()
	return pkt, err
}
