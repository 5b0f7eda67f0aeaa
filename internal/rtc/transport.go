// Package rtc provides the real-time media transport used to receive the
// avatar's audio and video.
package rtc

import (
	"context"
	"errors"

	"github.com/pion/rtp"
)

// MediaKind is the kind of a media track
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// ICEServer describes one STUN/TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() MediaKind
	MimeType() string
	// ReadRTP blocks for the next packet. It returns an error once the
	// track or its transport is closed.
	ReadRTP() (*rtp.Packet, error)
}

// Transport is one negotiated peer connection acting as the answering side.
type Transport interface {
	// AddReceiveOnly adds a receive-only transceiver of the given kind.
	AddReceiveOnly(kind MediaKind) error
	// SetRemoteOffer applies the remote offer.
	SetRemoteOffer(sdp string) error
	// CreateAnswer creates and applies the local answer and returns it once
	// candidate gathering is complete.
	CreateAnswer(ctx context.Context) (string, error)
	// OnTrack registers the handler for inbound tracks.
	OnTrack(fn func(RemoteTrack))
	// Close stops any outgoing senders and closes the connection. Calling
	// Close more than once is safe.
	Close() error
}

// Factory builds transports.
type Factory interface {
	NewTransport(servers []ICEServer) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(servers []ICEServer) (Transport, error)

// NewTransport calls f.
func (f FactoryFunc) NewTransport(servers []ICEServer) (Transport, error) {
	return f(servers)
}
