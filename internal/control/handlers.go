package control

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/normanking/cortexlive/internal/capture"
	"github.com/normanking/cortexlive/internal/logging"
	"github.com/normanking/cortexlive/internal/relay"
	"github.com/normanking/cortexlive/internal/session"
	"github.com/normanking/cortexlive/internal/surface"
)

type audioRequest struct {
	Enabled bool `json:"enabled"`
}

type textRequest struct {
	Text string `json:"text"`
}

type explainRequest struct {
	Name      string `json:"name"`
	Localized bool   `json:"localized"`
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

type replyResponse struct {
	Response string `json:"response"`
}

// detached keeps long operations alive when the HTTP client goes away.
// Only a new start or a stop may cancel a session attempt.
func detached(r *http.Request) context.Context {
	return logging.DetachContext(r.Context())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session controller not configured")
		return
	}
	var params session.AvatarParams
	if err := decodeJSON(r, &params); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.session.Start(detached(r), params); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session controller not configured")
		return
	}
	s.session.Stop(detached(r))
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleSessionAudio(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session controller not configured")
		return
	}
	var req audioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"enabled\": bool}")
		return
	}

	var ok bool
	if req.Enabled {
		ok = s.session.EnableAudio()
	} else {
		ok = s.session.DisableAudio()
	}
	if !ok {
		respondError(w, http.StatusConflict, "not_live", "no live session")
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleSessionSpeak(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session controller not configured")
		return
	}
	var req textRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}

	if err := s.session.Speak(detached(r), req.Text); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

// respondSessionError maps controller errors to fixed operator messages.
// Backend detail stays in the logs.
func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	var failure *session.FailureError
	switch {
	case errors.Is(err, session.ErrSuperseded):
		respondError(w, http.StatusConflict, "superseded", err.Error())
	case errors.Is(err, session.ErrNotLive):
		respondError(w, http.StatusConflict, "not_live", err.Error())
	case errors.Is(err, session.ErrEmptyText):
		respondError(w, http.StatusBadRequest, "empty_text", err.Error())
	case errors.As(err, &failure):
		message := failure.Status
		if message == "" {
			message = surface.StatusNegotiation
		}
		respondError(w, http.StatusBadGateway, "session_"+string(failure.Stage)+"_failed", message)
	default:
		respondError(w, http.StatusBadGateway, "relay_failed", surface.StatusTryAgain)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "assistant not configured")
		return
	}
	var req textRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	reply, err := s.assistant.Chat(detached(r), req.Text)
	s.respondReply(w, reply, err)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "assistant not configured")
		return
	}
	var req explainRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	reply, err := s.assistant.Explain(detached(r), req.Name, req.Localized)
	s.respondReply(w, reply, err)
}

func (s *Server) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "assistant not configured")
		return
	}
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.assistant.BeginVoice(r.Context(), req.DeviceID); err != nil {
		respondCaptureError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recording": true})
}

func (s *Server) handleVoiceStop(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "assistant not configured")
		return
	}

	reply, err := s.assistant.EndVoice(detached(r))
	if errors.Is(err, capture.ErrRecorderInactive) {
		respondError(w, http.StatusConflict, "not_recording", "no voice recording in progress")
		return
	}
	s.respondReply(w, reply, err)
}

func (s *Server) respondReply(w http.ResponseWriter, reply string, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, replyResponse{Response: reply})
	case errors.Is(err, relay.ErrEmptyPrompt), errors.Is(err, relay.ErrEmptyClip):
		respondError(w, http.StatusBadRequest, "empty_input", err.Error())
	case errors.Is(err, relay.ErrNoVoice):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case reply != "":
		// The backend answered but the avatar could not speak it.
		respondJSON(w, http.StatusAccepted, map[string]any{"response": reply, "error": surface.StatusTryAgain})
	default:
		respondError(w, http.StatusBadGateway, "backend_failed", surface.StatusTryAgain)
	}
}

func (s *Server) handleMicStart(w http.ResponseWriter, r *http.Request) {
	if !s.transcription.Load() {
		respondError(w, http.StatusServiceUnavailable, "transcription_unavailable", "backend does not offer transcription")
		return
	}
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.capture.StartCapture(r.Context(), req.DeviceID); err != nil {
		respondCaptureError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recording": true})
}

func (s *Server) handleMicStop(w http.ResponseWriter, _ *http.Request) {
	if s.capture == nil {
		respondError(w, http.StatusServiceUnavailable, "transcription_unavailable", "capture not configured")
		return
	}
	s.capture.StopCapture()
	respondJSON(w, http.StatusOK, map[string]any{"recording": false})
}

func (s *Server) handleMicDevices(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		respondError(w, http.StatusServiceUnavailable, "transcription_unavailable", "capture not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": s.capture.ListInputDevices(r.Context())})
}

func respondCaptureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capture.ErrAlreadyRecording):
		respondError(w, http.StatusConflict, "already_recording", err.Error())
	case errors.Is(err, capture.ErrPermission):
		respondError(w, http.StatusForbidden, "mic_permission", surface.StatusMicPermission)
	case errors.Is(err, capture.ErrAborted):
		respondError(w, http.StatusConflict, "aborted", err.Error())
	case errors.Is(err, relay.ErrNoVoice):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "capture_failed", "capture failed")
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"transcript": s.board.Transcript()})
}

func (s *Server) handleClearTranscript(w http.ResponseWriter, _ *http.Request) {
	s.board.ClearTranscript()
	w.WriteHeader(http.StatusNoContent)
}
