// Package surface holds the operator-facing state shared by the session
// controller and the capture pipeline: status line, live view visibility,
// reply text and transcript.
package surface

import (
	"strings"
	"sync"

	"github.com/normanking/cortexlive/internal/bus"
)

// Operator status messages
const (
	StatusConnecting    = "Connecting avatar…"
	StatusNotReady      = "Avatar not ready. Please retry."
	StatusUnreachable   = "Unable to connect avatar."
	StatusNegotiation   = "Avatar negotiation failed."
	StatusReady         = "Ready."
	StatusStopped       = "Stopped."
	StatusMicPermission = "Mic permission required."
	StatusTryAgain      = "Please try again."
	StatusThinking      = "Thinking…"
	StatusExplaining    = "Explaining…"
	StatusProcessing    = "Processing voice…"

	// Alternate-language variants used by localized explain requests
	StatusExplainingZH = "解释中…"
	StatusTryAgainZH   = "请再试一次。"
)

// Snapshot is a copy of the board
type Snapshot struct {
	Status      string `json:"status"`
	LiveVisible bool   `json:"live_visible"`
	Reply       string `json:"reply"`
	Transcript  string `json:"transcript"`
}

// Board is safe for concurrent use. Every mutation is published on the bus.
type Board struct {
	bus *bus.EventBus

	mu          sync.RWMutex
	status      string
	liveVisible bool
	reply       string
	transcript  []string
}

// NewBoard creates a board showing the placeholder. eventBus may be nil.
func NewBoard(eventBus *bus.EventBus) *Board {
	return &Board{bus: eventBus}
}

func (b *Board) publish(t bus.EventType, data map[string]any) {
	if b.bus != nil {
		b.bus.Publish(bus.Event{Type: t, Data: data})
	}
}

// SetStatus replaces the status line
func (b *Board) SetStatus(status string) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
	b.publish(bus.EventTypeStatus, map[string]any{"status": status})
}

// Status returns the status line
func (b *Board) Status() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// ShowLive shows the live view and hides the placeholder
func (b *Board) ShowLive() {
	b.setVisible(true)
}

// ShowPlaceholder hides the live view
func (b *Board) ShowPlaceholder() {
	b.setVisible(false)
}

func (b *Board) setVisible(live bool) {
	b.mu.Lock()
	b.liveVisible = live
	b.mu.Unlock()
	b.publish(bus.EventTypeVisibility, map[string]any{"live": live})
}

// LiveVisible reports whether the live view is shown
func (b *Board) LiveVisible() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.liveVisible
}

// SetReply replaces the reply text
func (b *Board) SetReply(text string) {
	b.mu.Lock()
	b.reply = text
	b.mu.Unlock()
	b.publish(bus.EventTypeReply, map[string]any{"text": text})
}

// Reply returns the reply text
func (b *Board) Reply() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reply
}

// AppendTranscript adds one recognized line. Blank text is ignored.
func (b *Board) AppendTranscript(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	b.mu.Lock()
	b.transcript = append(b.transcript, text)
	lines := len(b.transcript)
	b.mu.Unlock()

	b.publish(bus.EventTypeTranscript, map[string]any{"text": text, "line": lines})
	return true
}

// Transcript returns all lines, oldest first, joined by newlines
func (b *Board) Transcript() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.Join(b.transcript, "\n")
}

// ClearTranscript empties the transcript
func (b *Board) ClearTranscript() {
	b.mu.Lock()
	b.transcript = nil
	b.mu.Unlock()
	b.publish(bus.EventTypeTranscriptClear, nil)
}

// Snapshot returns a copy of the board
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Status:      b.status,
		LiveVisible: b.liveVisible,
		Reply:       b.reply,
		Transcript:  strings.Join(b.transcript, "\n"),
	}
}
