package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/normanking/cortexlive/internal/backend"
	"github.com/normanking/cortexlive/internal/media"
	"github.com/normanking/cortexlive/internal/metrics"
	"github.com/normanking/cortexlive/internal/rtc"
	"github.com/normanking/cortexlive/internal/rtc/rtctest"
	"github.com/normanking/cortexlive/internal/surface"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend scripts backend responses per create-session call.
type fakeBackend struct {
	mu        sync.Mutex
	creates   int
	params    []backend.AvatarParams
	offers    map[int]*backend.SessionOffer
	createErr error

	// createGate holds a create-session call (1-based) until closed,
	// ignoring cancellation so the result arrives late. ctxGate also
	// releases on cancellation.
	createGate map[int]chan struct{}
	ctxGate    map[int]chan struct{}
	entered    chan int

	answers   []string
	submitErr error
	stops     []string
	tasks     []string
	taskErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		offers:     map[int]*backend.SessionOffer{},
		createGate: map[int]chan struct{}{},
		ctxGate:    map[int]chan struct{}{},
		entered:    make(chan int, 8),
	}
}

func (b *fakeBackend) CreateSession(ctx context.Context, params backend.AvatarParams) (*backend.SessionOffer, error) {
	b.mu.Lock()
	b.creates++
	n := b.creates
	b.params = append(b.params, params)
	gate := b.createGate[n]
	ctxGate := b.ctxGate[n]
	offer, ok := b.offers[n]
	err := b.createErr
	b.mu.Unlock()

	b.entered <- n
	if gate != nil {
		<-gate
	}
	if ctxGate != nil {
		select {
		case <-ctxGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		offer = &backend.SessionOffer{
			SessionID:    fmt.Sprintf("s%d", n),
			SessionToken: fmt.Sprintf("t%d", n),
			OfferSDP:     "offer-sdp",
		}
	}
	return offer, nil
}

func (b *fakeBackend) SubmitAnswer(ctx context.Context, sessionID, token, answerSDP string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answers = append(b.answers, sessionID+":"+answerSDP)
	return b.submitErr
}

func (b *fakeBackend) StopSession(ctx context.Context, sessionID, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, sessionID)
	return nil
}

func (b *fakeBackend) SendTask(ctx context.Context, sessionID, token, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.taskErr != nil {
		return b.taskErr
	}
	b.tasks = append(b.tasks, sessionID+":"+text)
	return nil
}

func (b *fakeBackend) stopCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stops...)
}

// syncBuffer collects log output from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Count(s.buf.String(), substr)
}

type controllerHarness struct {
	backend *fakeBackend
	factory *rtctest.Factory
	audio   *media.AudioSink
	video   *media.VideoSink
	board   *surface.Board
	metrics *metrics.Metrics
	logs    *syncBuffer
	ctrl    *Controller
}

func newControllerHarness(t *testing.T, transports ...*rtctest.Transport) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		backend: newFakeBackend(),
		factory: rtctest.NewFactory(transports...),
		audio:   media.NewAudioSink(nil, zerolog.Nop()),
		video:   media.NewVideoSink(nil, zerolog.Nop()),
		board:   surface.NewBoard(nil),
		metrics: metrics.New(),
		logs:    &syncBuffer{},
	}
	h.ctrl = NewController(Options{
		Backend:  h.backend,
		Factory:  h.factory,
		Audio:    h.audio,
		Video:    h.video,
		Board:    h.board,
		Metrics:  h.metrics,
		Logger:   zerolog.New(h.logs),
		Defaults: AvatarParams{AvatarID: "June_HR_public", VoiceID: "voice-1"},
	})
	return h
}

func (h *controllerHarness) failureEvents() int {
	return h.logs.count(`"event":"negotiation_failure"`)
}

func TestController_StartGoesLive(t *testing.T) {
	transport := rtctest.NewTransport("answer-sdp")
	h := newControllerHarness(t, transport)

	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{PoseName: "standing"}))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateLive, snap.State)
	assert.Equal(t, "s1", snap.SessionID)
	assert.False(t, snap.AudioEnabled, "audio starts muted")
	assert.Empty(t, snap.LastFailure)

	assert.Equal(t, surface.StatusReady, h.board.Status())
	assert.True(t, h.board.LiveVisible())

	assert.Equal(t, []backend.AvatarParams{{AvatarID: "June_HR_public", VoiceID: "voice-1", PoseName: "standing"}}, h.backend.params)
	assert.Equal(t, []string{"s1:answer-sdp"}, h.backend.answers)
	assert.Equal(t, "offer-sdp", transport.RemoteOffer)
	assert.ElementsMatch(t, []rtc.MediaKind{rtc.KindAudio, rtc.KindVideo}, transport.Kinds)
	assert.Equal(t, DefaultFallbackICE, transport.Servers)
	assert.Equal(t, 0, h.failureEvents())
}

func TestController_UsesOfferedICEServers(t *testing.T) {
	transport := rtctest.NewTransport("answer")
	h := newControllerHarness(t, transport)
	h.backend.offers[1] = &backend.SessionOffer{
		SessionID:    "s1",
		SessionToken: "t1",
		OfferSDP:     "offer",
		ICEServers: []backend.ICEServer{
			{URLs: []string{"turn:relay.test"}, Username: "u", Credential: "c"},
			{},
		},
	}

	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))
	assert.Equal(t, []rtc.ICEServer{{URLs: []string{"turn:relay.test"}, Username: "u", Credential: "c"}}, transport.Servers)
}

func TestController_CreateSessionFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		offer      *backend.SessionOffer
		wantStatus string
	}{
		{
			name:       "non-2xx",
			err:        &backend.StatusError{Call: backend.CallCreateSession, Code: http.StatusServiceUnavailable, Body: "upstream trace 7f3a"},
			wantStatus: surface.StatusNotReady,
		},
		{
			name:       "unreachable",
			err:        errors.New("connection refused"),
			wantStatus: surface.StatusUnreachable,
		},
		{
			name:       "incomplete offer",
			offer:      &backend.SessionOffer{SessionID: "s1"},
			wantStatus: surface.StatusNotReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newControllerHarness(t)
			h.backend.createErr = tt.err
			if tt.offer != nil {
				h.backend.offers[1] = tt.offer
			}

			err := h.ctrl.Start(context.Background(), AvatarParams{})

			var failure *FailureError
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, StageStart, failure.Stage)
			assert.Equal(t, tt.wantStatus, failure.Status)
			assert.Equal(t, StateIdle, h.ctrl.State())
			assert.Equal(t, tt.wantStatus, h.board.Status())
			assert.False(t, h.board.LiveVisible())
			assert.Empty(t, h.factory.Created(), "no transport before an offer")
			assert.Equal(t, 1, h.failureEvents())
			assert.Equal(t, "start", h.ctrl.Snapshot().LastFailure, "no backend detail in operator state")
			assert.Empty(t, h.backend.stopCalls(), "no session was created")
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.NegotiationFailures.WithLabelValues("start")))
		})
	}
}

func TestController_NegotiationFailureClosesTransport(t *testing.T) {
	tests := []struct {
		name   string
		script func(*rtctest.Transport, *fakeBackend)
	}{
		{
			name:   "offer rejected",
			script: func(tr *rtctest.Transport, _ *fakeBackend) { tr.OfferErr = errors.New("bad sdp") },
		},
		{
			name:   "answer failed",
			script: func(tr *rtctest.Transport, _ *fakeBackend) { tr.AnswerErr = errors.New("ice gathering failed") },
		},
		{
			name: "answer refused",
			script: func(_ *rtctest.Transport, b *fakeBackend) {
				b.submitErr = &backend.StatusError{Call: backend.CallJoinSession, Code: http.StatusBadRequest}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := rtctest.NewTransport("answer")
			h := newControllerHarness(t, transport)
			tt.script(transport, h.backend)

			err := h.ctrl.Start(context.Background(), AvatarParams{})

			var failure *FailureError
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, StageNegotiate, failure.Stage)
			assert.Equal(t, StateIdle, h.ctrl.State())
			assert.Equal(t, surface.StatusNegotiation, h.board.Status())
			assert.True(t, transport.Closed())
			assert.Equal(t, 1, h.failureEvents())
			assert.Empty(t, h.ctrl.Snapshot().SessionID)
			assert.Equal(t, "negotiate", h.ctrl.Snapshot().LastFailure)
			assert.Equal(t, []string{"s1"}, h.backend.stopCalls(), "created session is released")
		})
	}
}

func TestController_TransportCreationFailure(t *testing.T) {
	h := newControllerHarness(t)
	h.factory.Err = rtctest.ErrNoTransport

	err := h.ctrl.Start(context.Background(), AvatarParams{})
	assert.ErrorIs(t, err, rtctest.ErrNoTransport)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.failureEvents())
	assert.Equal(t, []string{"s1"}, h.backend.stopCalls())
}

func TestController_LateCreateResultIsDiscarded(t *testing.T) {
	h := newControllerHarness(t)
	release := make(chan struct{})
	h.backend.createGate[1] = release

	first := make(chan error, 1)
	go func() { first <- h.ctrl.Start(context.Background(), AvatarParams{}) }()
	require.Equal(t, 1, <-h.backend.entered)

	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))
	<-h.backend.entered
	require.Equal(t, "s2", h.ctrl.Snapshot().SessionID)

	close(release)
	assert.ErrorIs(t, <-first, ErrSuperseded)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateLive, snap.State)
	assert.Equal(t, "s2", snap.SessionID)
	assert.Len(t, h.factory.Created(), 1, "stale offer never reaches the transport")
	assert.Equal(t, surface.StatusReady, h.board.Status())
	assert.Equal(t, 0, h.failureEvents())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StaleDiscarded))
	assert.Equal(t, []string{"s1"}, h.backend.stopCalls(), "late session is released")
}

func TestController_RestartDuringNegotiation(t *testing.T) {
	slow := rtctest.NewTransport("old-answer")
	slow.AnswerGate = make(chan struct{})
	fresh := rtctest.NewTransport("new-answer")
	h := newControllerHarness(t, slow, fresh)

	first := make(chan error, 1)
	go func() { first <- h.ctrl.Start(context.Background(), AvatarParams{}) }()
	<-h.backend.entered
	<-slow.AnswerCalled()
	assert.Equal(t, StateNegotiating, h.ctrl.State())

	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))
	assert.ErrorIs(t, <-first, ErrSuperseded)

	assert.True(t, slow.Closed())
	assert.False(t, fresh.Closed())
	assert.Equal(t, []string{"s2:new-answer"}, h.backend.answers)
	assert.Equal(t, StateLive, h.ctrl.State())
	assert.Equal(t, "s2", h.ctrl.Snapshot().SessionID)
	assert.Equal(t, []string{"s1"}, h.backend.stopCalls(), "superseded session is released")
}

func TestController_StopIsIdempotent(t *testing.T) {
	transport := rtctest.NewTransport("answer")
	h := newControllerHarness(t, transport)
	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))
	require.True(t, h.ctrl.EnableAudio())

	h.ctrl.Stop(context.Background())
	h.ctrl.Stop(context.Background())

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, surface.StatusStopped, h.board.Status())
	assert.False(t, h.board.LiveVisible())
	assert.True(t, transport.Closed())
	assert.False(t, h.audio.Enabled())
	assert.Equal(t, []string{"s1"}, h.backend.stopCalls())
	assert.Empty(t, h.ctrl.Snapshot().SessionID)
}

func TestController_StopWhileConnecting(t *testing.T) {
	h := newControllerHarness(t)
	h.backend.ctxGate[1] = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Start(context.Background(), AvatarParams{}) }()
	<-h.backend.entered
	assert.Equal(t, StateConnecting, h.ctrl.State())

	h.ctrl.Stop(context.Background())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after stop")
	}
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, surface.StatusStopped, h.board.Status())
	assert.Empty(t, h.backend.stopCalls(), "no session to stop yet")
	assert.Empty(t, h.factory.Created())
	assert.Equal(t, 0, h.failureEvents())
}

func TestController_AudioGate(t *testing.T) {
	h := newControllerHarness(t)

	assert.False(t, h.ctrl.EnableAudio(), "not live")
	assert.False(t, h.ctrl.DisableAudio(), "not live")
	assert.False(t, h.audio.Enabled())

	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))
	assert.True(t, h.ctrl.EnableAudio())
	assert.True(t, h.audio.Enabled())
	assert.True(t, h.ctrl.EnableAudio(), "repeat is harmless")
	assert.True(t, h.ctrl.DisableAudio())
	assert.False(t, h.audio.Enabled())

	// A fresh start resets the gate.
	require.True(t, h.ctrl.EnableAudio())
	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))
	assert.False(t, h.audio.Enabled())
}

func TestController_AttachesRemoteTracks(t *testing.T) {
	transport := rtctest.NewTransport("answer")
	h := newControllerHarness(t, transport)
	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))

	audioTrack := rtctest.NewTrack("a1", "stream", rtc.KindAudio, "audio/opus")
	videoTrack := rtctest.NewTrack("v1", "stream", rtc.KindVideo, "video/VP8")
	defer audioTrack.Close()
	defer videoTrack.Close()

	require.True(t, transport.Deliver(audioTrack))
	require.True(t, transport.Deliver(videoTrack))
	assert.True(t, h.audio.Stats().Attached)
	assert.Equal(t, "video/VP8", h.video.Stats().MimeType)

	h.ctrl.Stop(context.Background())
	assert.False(t, h.audio.Stats().Attached)
	assert.False(t, h.video.Stats().Attached)
	assert.False(t, transport.Deliver(audioTrack), "closed transport delivers nothing")
}

func TestController_SpeakStartsSessionWhenIdle(t *testing.T) {
	h := newControllerHarness(t)

	assert.ErrorIs(t, h.ctrl.Speak(context.Background(), "   "), ErrEmptyText)
	assert.Equal(t, 0, h.backend.creates)

	require.NoError(t, h.ctrl.Speak(context.Background(), " hello "))
	assert.Equal(t, StateLive, h.ctrl.State())
	assert.Equal(t, []string{"s1:hello"}, h.backend.tasks)

	require.NoError(t, h.ctrl.Speak(context.Background(), "again"))
	assert.Equal(t, 1, h.backend.creates, "live session is reused")
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SpeakRelays.WithLabelValues("ok")))
}

func TestController_SpeakWaitsForNegotiation(t *testing.T) {
	slow := rtctest.NewTransport("answer")
	slow.AnswerGate = make(chan struct{})
	h := newControllerHarness(t, slow)

	started := make(chan error, 1)
	go func() { started <- h.ctrl.Start(context.Background(), AvatarParams{}) }()
	<-h.backend.entered
	<-slow.AnswerCalled()
	require.Equal(t, StateNegotiating, h.ctrl.State())

	spoken := make(chan error, 1)
	go func() { spoken <- h.ctrl.Speak(context.Background(), "hello") }()
	require.Eventually(t, func() bool {
		return h.logs.count("Waiting for session before speaking") > 0
	}, 2*time.Second, 5*time.Millisecond)

	close(slow.AnswerGate)
	require.NoError(t, <-started)
	require.NoError(t, <-spoken)

	assert.Equal(t, 1, h.backend.creates, "speak does not supersede the attempt")
	assert.False(t, slow.Closed())
	assert.Equal(t, []string{"s1:hello"}, h.backend.tasks)
	assert.Empty(t, h.backend.stopCalls())
	assert.Equal(t, "s1", h.ctrl.Snapshot().SessionID)
}

func TestController_SpeakAfterFailedNegotiation(t *testing.T) {
	slow := rtctest.NewTransport("answer")
	slow.AnswerGate = make(chan struct{})
	slow.AnswerErr = errors.New("ice gathering failed")
	h := newControllerHarness(t, slow)

	started := make(chan error, 1)
	go func() { started <- h.ctrl.Start(context.Background(), AvatarParams{}) }()
	<-h.backend.entered
	<-slow.AnswerCalled()

	spoken := make(chan error, 1)
	go func() { spoken <- h.ctrl.Speak(context.Background(), "hello") }()
	require.Eventually(t, func() bool {
		return h.logs.count("Waiting for session before speaking") > 0
	}, 2*time.Second, 5*time.Millisecond)

	close(slow.AnswerGate)
	var failure *FailureError
	require.ErrorAs(t, <-started, &failure)
	assert.ErrorIs(t, <-spoken, ErrNotLive)

	assert.Equal(t, 1, h.backend.creates, "no second attempt on behalf of speak")
	assert.Empty(t, h.backend.tasks)
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestController_SpeakRelayFailure(t *testing.T) {
	h := newControllerHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), AvatarParams{}))
	h.backend.taskErr = &backend.StatusError{Call: backend.CallSendTask, Code: http.StatusBadGateway}

	err := h.ctrl.Speak(context.Background(), "hello")
	assert.ErrorIs(t, err, backend.ErrStatus)
	assert.Equal(t, surface.StatusTryAgain, h.board.Status())
	assert.Equal(t, StateLive, h.ctrl.State(), "relay failure keeps the session")
}

func TestController_SpeakWhenStartFails(t *testing.T) {
	h := newControllerHarness(t)
	h.backend.createErr = errors.New("down")

	err := h.ctrl.Speak(context.Background(), "hello")
	var failure *FailureError
	assert.ErrorAs(t, err, &failure)
	assert.Empty(t, h.backend.tasks)
	assert.Equal(t, surface.StatusUnreachable, h.board.Status())
}

func TestController_AgainstHTTPBackend(t *testing.T) {
	for _, mode := range []string{backend.AnswerModeJoin, backend.AnswerModeForm} {
		t.Run(mode, func(t *testing.T) {
			var mu sync.Mutex
			var paths []string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				mu.Lock()
				paths = append(paths, r.URL.Path)
				mu.Unlock()

				switch r.URL.Path {
				case "/api/start-session":
					io.WriteString(w, `{"status":"ready","session_id":"abc","session_token":"tok","offer_sdp":"v=0"}`)
				case "/api/join-session":
					assert.Contains(t, string(body), `"answer_sdp":"local-answer"`)
					io.WriteString(w, `{"success":true}`)
				case "/api/heygen/start":
					assert.Contains(t, string(body), "session_id=abc")
					w.WriteHeader(http.StatusOK)
				case "/api/stop-session":
					io.WriteString(w, `{}`)
				default:
					http.NotFound(w, r)
				}
			}))
			defer server.Close()

			client := backend.NewClient(&backend.ClientConfig{BaseURL: server.URL, AnswerMode: mode}, zerolog.Nop())
			ctrl := NewController(Options{
				Backend: client,
				Factory: rtctest.NewFactory(rtctest.NewTransport("local-answer")),
				Logger:  zerolog.Nop(),
			})

			require.NoError(t, ctrl.Start(context.Background(), AvatarParams{}))
			ctrl.Stop(context.Background())

			want := "/api/join-session"
			if mode == backend.AnswerModeForm {
				want = "/api/heygen/start"
			}
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []string{"/api/start-session", want, "/api/stop-session"}, paths)
		})
	}
}
