// Package backend is the HTTP client for the avatar session backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Answer submission strategies
const (
	AnswerModeJoin = "join"
	AnswerModeForm = "form"
)

// Call names used in errors, logs and metrics labels
const (
	CallCreateSession = "create-session"
	CallJoinSession   = "join-session"
	CallHeygenStart   = "heygen-start"
	CallStopSession   = "stop-session"
	CallSendTask      = "send-task"
	CallTranscribe    = "transcribe-chunk"
	CallChat          = "chat"
	CallVoiceChat     = "voicechat"
	CallExplain       = "explain"
	CallPing          = "ping"
)

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL    string        // e.g., "http://localhost:8000"
	Timeout    time.Duration // 0 disables the client timeout
	AnswerMode string        // AnswerModeJoin or AnswerModeForm
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:    "http://localhost:8000",
		AnswerMode: AnswerModeForm,
	}
}

// Observer receives the outcome of every backend call.
type Observer func(call string, code int, elapsed time.Duration, err error)

// Client talks to the session, relay and transcription endpoints.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
	observe    Observer
}

// NewClient creates a new backend client
func NewClient(cfg *ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AnswerMode == "" {
		cfg.AnswerMode = AnswerModeForm
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// SetObserver installs a per-call observer, typically metrics.
func (c *Client) SetObserver(fn Observer) {
	c.observe = fn
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// AnswerMode returns the configured answer submission strategy
func (c *Client) AnswerMode() string {
	return c.config.AnswerMode
}

// CreateSession asks the backend for a new avatar session and its remote
// offer. A non-2xx reply or a status other than "ready" yields ErrStatus.
func (c *Client) CreateSession(ctx context.Context, params AvatarParams) (*SessionOffer, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp startSessionResponse
	code, err := c.do(ctx, CallCreateSession, http.MethodPost, "/api/start-session", "application/json", bytes.NewReader(body), &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "" && resp.Status != "ready" {
		return nil, &StatusError{Call: CallCreateSession, Code: code, Status: resp.Status}
	}
	return resp.offer(), nil
}

// SubmitAnswer delivers the local answer with the configured strategy.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID, token, answerSDP string) error {
	if c.config.AnswerMode == AnswerModeJoin {
		return c.JoinSession(ctx, sessionID, token, answerSDP)
	}
	return c.HeygenStart(ctx, sessionID, token, answerSDP)
}

// JoinSession submits the answer as JSON. The call succeeds on 2xx unless the
// body reports success=false.
func (c *Client) JoinSession(ctx context.Context, sessionID, token, answerSDP string) error {
	body, err := json.Marshal(joinSessionRequest{
		sessionRef: sessionRef{SessionID: sessionID, SessionToken: token},
		AnswerSDP:  answerSDP,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp successResponse
	code, err := c.do(ctx, CallJoinSession, http.MethodPost, "/api/join-session", "application/json", bytes.NewReader(body), &resp)
	if err != nil {
		return err
	}
	if resp.Success != nil && !*resp.Success {
		return &StatusError{Call: CallJoinSession, Code: code, Status: "success=false"}
	}
	return nil
}

// HeygenStart submits the answer as a form post.
func (c *Client) HeygenStart(ctx context.Context, sessionID, token, answerSDP string) error {
	form := url.Values{}
	form.Set("session_id", sessionID)
	form.Set("answer_sdp", answerSDP)
	form.Set("session_token", token)

	_, err := c.do(ctx, CallHeygenStart, http.MethodPost, "/api/heygen/start", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil)
	return err
}

// StopSession tells the backend the session is over.
func (c *Client) StopSession(ctx context.Context, sessionID, token string) error {
	body, err := json.Marshal(sessionRef{SessionID: sessionID, SessionToken: token})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	_, err = c.do(ctx, CallStopSession, http.MethodPost, "/api/stop-session", "application/json", bytes.NewReader(body), nil)
	return err
}

// SendTask relays text for the avatar to speak.
func (c *Client) SendTask(ctx context.Context, sessionID, token, text string) error {
	body, err := json.Marshal(sendTaskRequest{
		sessionRef: sessionRef{SessionID: sessionID, SessionToken: token},
		Text:       text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	_, err = c.do(ctx, CallSendTask, http.MethodPost, "/api/send-task", "application/json", bytes.NewReader(body), nil)
	return err
}

// Transcribe posts one encoded audio chunk and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	var resp textResponse
	if err := c.postFile(ctx, CallTranscribe, "/api/transcribe", filename, audio, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// VoiceChat posts a recorded utterance and returns the assistant reply.
func (c *Client) VoiceChat(ctx context.Context, filename string, audio []byte) (string, error) {
	var resp replyResponse
	if err := c.postFile(ctx, CallVoiceChat, "/api/voicechat", filename, audio, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

// Chat relays operator text to the chat backend and returns the reply.
func (c *Client) Chat(ctx context.Context, text string) (string, error) {
	form := url.Values{}
	form.Set("text", text)

	var resp replyResponse
	if _, err := c.do(ctx, CallChat, http.MethodPost, "/api/chat", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

// Explain asks for a short description of a catalogue item. localized
// requests the alternate-language answer.
func (c *Client) Explain(ctx context.Context, name string, localized bool) (string, error) {
	form := url.Values{}
	form.Set("name", name)
	if localized {
		form.Set("is_double_click", "1")
	}

	var resp replyResponse
	if _, err := c.do(ctx, CallExplain, http.MethodPost, "/api/perfume-explain", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

// Ping probes backend health and the transcription capability flag.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var resp pingResponse
	code, err := c.do(ctx, CallPing, http.MethodGet, "/api/ping", "", nil, &resp)
	if err != nil {
		return nil, err
	}

	result := &PingResult{HTTPStatus: code, Status: resp.Status}
	switch {
	case resp.Transcription != nil:
		result.Transcription = *resp.Transcription
		result.TranscriptionKnown = true
	case resp.Features.Transcription != nil:
		result.Transcription = *resp.Features.Transcription
		result.TranscriptionKnown = true
	}
	return result, nil
}

func (c *Client) postFile(ctx context.Context, call, path, filename string, data []byte, out any) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	_, err = c.do(ctx, call, http.MethodPost, path, writer.FormDataContentType(), &buf, out)
	return err
}

// do performs one call. Non-2xx replies become *StatusError. out may be nil;
// an empty or non-JSON 2xx body leaves out untouched.
func (c *Client) do(ctx context.Context, call, method, path, contentType string, body io.Reader, out any) (code int, err error) {
	start := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(call, code, time.Since(start), err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to create request: %w", call, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: request failed: %w", call, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: failed to read response: %w", call, err)
	}

	c.logger.Debug().
		Str("call", call).
		Int("http", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("bodyPreview", truncateForLog(string(respBody), 300)).
		Msg("Backend response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{
			Call: call,
			Code: resp.StatusCode,
			Body: truncateForLog(string(respBody), 200),
		}
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			c.logger.Warn().Err(err).Str("call", call).Msg("Non-JSON backend response")
		}
	}
	return resp.StatusCode, nil
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
