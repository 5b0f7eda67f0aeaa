package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStatus marks a response the backend answered but did not accept.
var ErrStatus = errors.New("backend rejected request")

// StatusError carries the HTTP status and a body preview of a rejected call.
type StatusError struct {
	Call   string
	Code   int
	Status string // application-level status field, if any
	Body   string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: http %d status %q", e.Call, e.Code, e.Status)
	}
	return fmt.Sprintf("%s: http %d - %s", e.Call, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// AvatarParams selects the avatar for create-session.
type AvatarParams struct {
	AvatarID string `json:"avatar_id"`
	VoiceID  string `json:"voice_id"`
	PoseName string `json:"pose_name"`
}

// ICEServer is one entry of the RTC configuration returned by the backend.
// "urls" may be a single string or a list.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UnmarshalJSON accepts both string and array forms of "urls" as well as
// the legacy "url" key.
func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		URL        string          `json:"url"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil

	if len(raw.URLs) > 0 {
		var one string
		if err := json.Unmarshal(raw.URLs, &one); err == nil {
			if one != "" {
				s.URLs = []string{one}
			}
		} else {
			var many []string
			if err := json.Unmarshal(raw.URLs, &many); err != nil {
				return fmt.Errorf("invalid ice server urls: %w", err)
			}
			s.URLs = many
		}
	}
	if len(s.URLs) == 0 && raw.URL != "" {
		s.URLs = []string{raw.URL}
	}
	return nil
}

// SessionOffer is the accepted create-session result. Fields may be empty;
// the caller decides whether the offer is usable.
type SessionOffer struct {
	SessionID    string
	SessionToken string
	OfferSDP     string
	ICEServers   []ICEServer
	AvatarName   string
}

// Complete reports whether ids and offer are all present.
func (o *SessionOffer) Complete() bool {
	return o.SessionID != "" && o.SessionToken != "" && o.OfferSDP != ""
}

type startSessionResponse struct {
	Status       string `json:"status"`
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
	OfferSDP     string `json:"offer_sdp"`
	SDP          *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"sdp"`
	RTCConfig *struct {
		ICEServers []ICEServer `json:"iceServers"`
	} `json:"rtc_config"`
	ICEServers []ICEServer `json:"ice_servers"`
	AvatarName string      `json:"avatar_name"`
}

func (r *startSessionResponse) offer() *SessionOffer {
	o := &SessionOffer{
		SessionID:    r.SessionID,
		SessionToken: r.SessionToken,
		OfferSDP:     r.OfferSDP,
		AvatarName:   r.AvatarName,
	}
	if o.OfferSDP == "" && r.SDP != nil {
		o.OfferSDP = r.SDP.SDP
	}
	if r.RTCConfig != nil && len(r.RTCConfig.ICEServers) > 0 {
		o.ICEServers = r.RTCConfig.ICEServers
	} else {
		o.ICEServers = r.ICEServers
	}
	return o
}

type sessionRef struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
}

type joinSessionRequest struct {
	sessionRef
	AnswerSDP string `json:"answer_sdp"`
}

type sendTaskRequest struct {
	sessionRef
	Text string `json:"text"`
}

type successResponse struct {
	Success *bool `json:"success"`
}

type textResponse struct {
	Text string `json:"text"`
}

type replyResponse struct {
	Response string `json:"response"`
}

// PingResult is the backend health probe outcome. TranscriptionKnown is
// false when the backend does not advertise the capability either way.
type PingResult struct {
	HTTPStatus         int
	Status             string
	Transcription      bool
	TranscriptionKnown bool
}

type pingResponse struct {
	Status        string `json:"status"`
	Transcription *bool  `json:"transcription"`
	Features      struct {
		Transcription *bool `json:"transcription"`
	} `json:"features"`
}
