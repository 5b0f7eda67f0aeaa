// Package rtctest provides in-memory rtc fakes for tests.
package rtctest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/normanking/cortexlive/internal/rtc"
	"github.com/pion/rtp"
)

// Track is a scripted remote track. Packets pushed with Push are returned by
// ReadRTP; Close ends the stream with io.EOF.
type Track struct {
	TrackID   string
	Stream    string
	TrackKind rtc.MediaKind
	Mime      string

	packets chan *rtp.Packet
	once    sync.Once
	done    chan struct{}
}

// NewTrack creates a track with a small packet buffer.
func NewTrack(id, stream string, kind rtc.MediaKind, mime string) *Track {
	return &Track{
		TrackID:   id,
		Stream:    stream,
		TrackKind: kind,
		Mime:      mime,
		packets:   make(chan *rtp.Packet, 64),
		done:      make(chan struct{}),
	}
}

func (t *Track) ID() string          { return t.TrackID }
func (t *Track) StreamID() string    { return t.Stream }
func (t *Track) Kind() rtc.MediaKind { return t.TrackKind }
func (t *Track) MimeType() string    { return t.Mime }

// Push queues a packet for ReadRTP.
func (t *Track) Push(pkt *rtp.Packet) {
	select {
	case t.packets <- pkt:
	case <-t.done:
	}
}

// ReadRTP returns the next pushed packet.
func (t *Track) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-t.packets:
		return pkt, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// Close ends the track.
func (t *Track) Close() {
	t.once.Do(func() { close(t.done) })
}

// Transport records calls and can be scripted to fail or to block in
// CreateAnswer until released.
type Transport struct {
	mu          sync.Mutex
	Kinds       []rtc.MediaKind
	RemoteOffer string
	Servers     []rtc.ICEServer
	closed      int
	onTrack     func(rtc.RemoteTrack)

	Answer       string
	OfferErr     error
	AnswerErr    error
	AnswerGate   chan struct{} // when set, CreateAnswer waits for it
	answerCalled chan struct{}
}

// NewTransport creates a fake answering with answer.
func NewTransport(answer string) *Transport {
	return &Transport{Answer: answer, answerCalled: make(chan struct{}, 1)}
}

func (t *Transport) AddReceiveOnly(kind rtc.MediaKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Kinds = append(t.Kinds, kind)
	return nil
}

func (t *Transport) SetRemoteOffer(sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OfferErr != nil {
		return t.OfferErr
	}
	t.RemoteOffer = sdp
	return nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (string, error) {
	select {
	case t.answerCalled <- struct{}{}:
	default:
	}
	if t.AnswerGate != nil {
		select {
		case <-t.AnswerGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if t.AnswerErr != nil {
		return "", t.AnswerErr
	}
	return t.Answer, nil
}

// AnswerCalled is signalled when CreateAnswer is entered.
func (t *Transport) AnswerCalled() <-chan struct{} {
	return t.answerCalled
}

func (t *Transport) OnTrack(fn func(rtc.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

// Deliver fires the registered track handler, as a remote peer would. It
// reports false when the transport is closed or has no handler.
func (t *Transport) Deliver(track rtc.RemoteTrack) bool {
	t.mu.Lock()
	fn := t.onTrack
	closed := t.closed > 0
	t.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(track)
	return true
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	t.onTrack = nil
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed > 0
}

// Factory hands out scripted transports in order.
type Factory struct {
	mu         sync.Mutex
	transports []*Transport
	created    []*Transport
	Err        error
}

// NewFactory creates a factory returning the given transports in order.
// When exhausted it creates fresh transports answering "answer".
func NewFactory(transports ...*Transport) *Factory {
	return &Factory{transports: transports}
}

// ErrNoTransport can be used to script a factory failure.
var ErrNoTransport = errors.New("no transport")

func (f *Factory) NewTransport(servers []rtc.ICEServer) (rtc.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	var t *Transport
	if len(f.transports) > 0 {
		t = f.transports[0]
		f.transports = f.transports[1:]
	} else {
		t = NewTransport("answer")
	}
	t.mu.Lock()
	t.Servers = servers
	t.mu.Unlock()
	f.created = append(f.created, t)
	return t, nil
}

// Created returns every transport handed out so far.
func (f *Factory) Created() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Transport, len(f.created))
	copy(out, f.created)
	return out
}
