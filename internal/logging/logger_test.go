package logging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, remoteURL string) *Logger {
	t.Helper()
	logger, err := New(&Config{
		LogDir:      t.TempDir(),
		Level:       LevelDebug,
		MaxHistory:  3,
		File:        true,
		RemoteURL:   remoteURL,
		RemoteLevel: LevelInfo,
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestNew_CreatesLogFile(t *testing.T) {
	logger := newTestLogger(t, "")

	_, err := os.Stat(logger.GetLogPath())
	assert.NoError(t, err)
}

func TestLogger_HistoryIsBounded(t *testing.T) {
	logger := newTestLogger(t, "")

	logger.Info("test", "one", nil)
	logger.Warn("test", "two", nil)
	logger.Error("test", "three", errors.New("boom"), map[string]interface{}{"k": "v"})

	history := logger.GetHistory(0)
	require.Len(t, history, 3)
	assert.Equal(t, "one", history[0].Message)
	assert.Equal(t, "three", history[2].Message)
	assert.Equal(t, "error", history[2].Level)
	assert.Equal(t, "error=boom, k=v", history[2].Data)

	recent := logger.GetHistory(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "three", recent[0].Message)
}

func TestLogger_HistoryIncludesComponentLoggers(t *testing.T) {
	logger := newTestLogger(t, "")

	sessionLog := logger.Component("session")
	sessionLog.Error().
		Err(errors.New("ice failed")).
		Str("stage", "negotiate").
		Msg("Avatar negotiation failed")
	child := logger.Zerolog().With().Str("component", "capture").Logger()
	child.Debug().Int("seq", 2).Msg("Chunk had no speech")

	history := logger.GetHistory(2)
	require.Len(t, history, 2)
	assert.Equal(t, "session", history[0].Component)
	assert.Equal(t, "error", history[0].Level)
	assert.Equal(t, "Avatar negotiation failed", history[0].Message)
	assert.Equal(t, "error=ice failed, stage=negotiate", history[0].Data)

	assert.Equal(t, "capture", history[1].Component)
	assert.Equal(t, "debug", history[1].Level)
	assert.Equal(t, "seq=2", history[1].Data)
}

func TestLogger_HistoryRespectsLevel(t *testing.T) {
	logger, err := New(&Config{Level: LevelWarn})
	require.NoError(t, err)

	sessionLog := logger.Component("session")
	sessionLog.Info().Msg("Avatar session live")
	logger.Warn("capture", "Mic permission required.", nil)

	history := logger.GetHistory(0)
	require.Len(t, history, 1)
	assert.Equal(t, "Mic permission required.", history[0].Message)
}

func TestFormatData_SortedKeys(t *testing.T) {
	got := formatData(map[string]interface{}{"b": 2, "a": 1})
	assert.Equal(t, "a=1, b=2", got)
	assert.Equal(t, "", formatData(nil))
}

func TestDetachContextWithTimeout_SurvivesParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	detached, detachedCancel := DetachContextWithTimeout(parent, time.Second)
	defer detachedCancel()

	cancel()

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
}

type recordSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordSink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/log", r.URL.Path)
		var rec Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err == nil {
			s.mu.Lock()
			s.records = append(s.records, rec)
			s.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *recordSink) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func TestShipper_ForwardsZerologEvents(t *testing.T) {
	sink := &recordSink{}
	server := httptest.NewServer(sink.handler(t))
	defer server.Close()

	shipper := NewShipper(server.URL+"/api/log", ShipperOptions{MinLevel: zerolog.InfoLevel})
	zlog := zerolog.New(shipper)

	zlog.Debug().Str("component", "viewer").Msg("dropped by level")
	zlog.Error().Str("component", "viewer").Int("http", 502).Msg("start-session failed")
	shipper.Close()

	records := sink.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "viewer", records[0].Area)
	assert.Equal(t, "start-session failed", records[0].Message)
	assert.Equal(t, "ERROR", records[0].Level)
	assert.EqualValues(t, 502, records[0].Extra["http"])
}

func TestShipper_NeverBlocksWhenEndpointStalls(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	shipper := NewShipper(server.URL, ShipperOptions{QueueSize: 1, Timeout: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			shipper.Send(Record{Area: "ui", Message: "flood", Level: "INFO"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a stalled endpoint")
	}

	_, dropped, _ := shipper.Stats()
	assert.Greater(t, dropped, int64(0))
	shipper.Close()
	assert.False(t, shipper.Send(Record{Area: "ui"}))
}

func TestLogger_ShipsToRemote(t *testing.T) {
	sink := &recordSink{}
	server := httptest.NewServer(sink.handler(t))
	defer server.Close()

	logger, err := New(&Config{
		LogDir:      t.TempDir(),
		Level:       LevelDebug,
		RemoteURL:   server.URL + "/api/log",
		RemoteLevel: LevelWarn,
	})
	require.NoError(t, err)

	logger.Info("mic", "Mic pressed", nil)
	logger.Warn("mic", "Mic permission required.", map[string]interface{}{"device": "default"})
	require.NoError(t, logger.Close())

	records := sink.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "mic", records[0].Area)
	assert.Equal(t, "WARN", records[0].Level)
	assert.Equal(t, "default", records[0].Extra["device"])
}
