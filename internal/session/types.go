// Package session drives the avatar's live media session: negotiation with
// the backend, the media transport, the audio gate and speech relay.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/cortexlive/internal/backend"
	"github.com/normanking/cortexlive/internal/rtc"
)

// State is the controller lifecycle state
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateNegotiating State = "negotiating"
	StateLive        State = "live"
)

// AllStates lists every state, for metrics
var AllStates = []string{
	string(StateIdle),
	string(StateConnecting),
	string(StateNegotiating),
	string(StateLive),
}

// Stage identifies where a start attempt failed
type Stage string

const (
	StageStart     Stage = "start"
	StageNegotiate Stage = "negotiate"
)

// Common errors
var (
	ErrSuperseded      = errors.New("attempt superseded")
	ErrEmptyText       = errors.New("empty text")
	ErrNotLive         = errors.New("session not live")
	ErrIncompleteOffer = errors.New("create-session response missing session id, token or offer")
)

// FailureError reports a failed start attempt. Status is the operator
// message shown for it; Err carries the detail for logs only.
type FailureError struct {
	Stage  Stage
	Status string
	Err    error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("session %s failed: %v", e.Stage, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// AvatarParams selects the avatar. Empty fields use the configured defaults.
type AvatarParams struct {
	AvatarID string `json:"avatar_id"`
	VoiceID  string `json:"voice_id"`
	PoseName string `json:"pose_name"`
}

func (p AvatarParams) merge(defaults AvatarParams) AvatarParams {
	if p.AvatarID == "" {
		p.AvatarID = defaults.AvatarID
	}
	if p.VoiceID == "" {
		p.VoiceID = defaults.VoiceID
	}
	if p.PoseName == "" {
		p.PoseName = defaults.PoseName
	}
	return p
}

// Descriptor is the negotiated session. It exists only while an attempt is
// negotiating or live.
type Descriptor struct {
	SessionID      string
	SessionToken   string
	RemoteOfferSDP string
	ICEServers     []rtc.ICEServer
	AvatarName     string

	transport rtc.Transport
}

// Snapshot is a read-only copy of controller state
type Snapshot struct {
	State        State  `json:"state"`
	SessionID    string `json:"session_id,omitempty"`
	SessionToken string `json:"-"`
	AvatarName   string `json:"avatar_name,omitempty"`
	AudioEnabled bool   `json:"audio_enabled"`
	Attempt      uint64 `json:"attempt"`
	LastFailure  string `json:"last_failure,omitempty"` // stage of the last failed attempt
}

// Backend is the subset of the backend client the controller uses.
type Backend interface {
	CreateSession(ctx context.Context, params backend.AvatarParams) (*backend.SessionOffer, error)
	SubmitAnswer(ctx context.Context, sessionID, token, answerSDP string) error
	StopSession(ctx context.Context, sessionID, token string) error
	SendTask(ctx context.Context, sessionID, token, text string) error
}
