package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Record is one diagnostic log entry as accepted by the log-ingestion endpoint.
type Record struct {
	Area    string         `json:"area"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra"`
	Level   string         `json:"level"`
}

// ShipperOptions tunes the diagnostic shipper.
type ShipperOptions struct {
	MinLevel  zerolog.Level
	QueueSize int
	Timeout   time.Duration
	Client    *http.Client
}

// Shipper forwards log records to the diagnostic endpoint from a bounded
// queue. Send and Write never block: records are dropped when the queue is
// full or the shipper is closed.
type Shipper struct {
	url      string
	client   *http.Client
	timeout  time.Duration
	minLevel zerolog.Level

	mu     sync.Mutex
	closed bool
	queue  chan Record
	done   chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewShipper starts a shipper posting to url.
func NewShipper(url string, opts ShipperOptions) *Shipper {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	s := &Shipper{
		url:      url,
		client:   client,
		timeout:  opts.Timeout,
		minLevel: opts.MinLevel,
		queue:    make(chan Record, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Send enqueues a record. It reports whether the record was accepted.
func (s *Shipper) Send(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.queue <- rec:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Write implements io.Writer for zerolog JSON lines so every structured log
// event at or above the minimum level is shipped.
func (s *Shipper) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}

	levelStr, _ := fields[zerolog.LevelFieldName].(string)
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || level < s.minLevel {
		return len(p), nil
	}

	rec := Record{
		Level: strings.ToUpper(levelStr),
		Extra: make(map[string]any),
	}
	rec.Area, _ = fields["component"].(string)
	if rec.Area == "" {
		rec.Area = "app"
	}
	rec.Message, _ = fields[zerolog.MessageFieldName].(string)

	for k, v := range fields {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "component", "app":
			continue
		}
		rec.Extra[k] = v
	}

	s.Send(rec)
	return len(p), nil
}

// Stats returns sent, dropped and failed counters.
func (s *Shipper) Stats() (sent, dropped, failed int64) {
	return s.sent.Load(), s.dropped.Load(), s.failed.Load()
}

// Close stops accepting records and waits briefly for the queue to drain.
func (s *Shipper) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(s.timeout):
	}
}

func (s *Shipper) run() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.post(rec); err != nil {
			s.failed.Add(1)
			continue
		}
		s.sent.Add(1)
	}
}

func (s *Shipper) post(rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
