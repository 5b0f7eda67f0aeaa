package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSyncDeliversToTypedAndAll(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var got []string
	record := func(name string) Handler {
		return func(e Event) {
			mu.Lock()
			got = append(got, name+":"+string(e.Type))
			mu.Unlock()
		}
	}

	b.Subscribe(EventTypeStatus, record("typed"))
	b.SubscribeAll(record("all"))

	b.PublishSync(Event{Type: EventTypeStatus, Data: map[string]any{"status": "Ready."}})
	b.PublishSync(Event{Type: EventTypeReply})

	assert.ElementsMatch(t, []string{
		"typed:surface.status",
		"all:surface.status",
		"all:surface.reply",
	}, got)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	b := NewEventBus()

	calls := 0
	unsubscribe := b.Subscribe(EventTypeChunk, func(Event) { calls++ })

	b.PublishSync(Event{Type: EventTypeChunk})
	unsubscribe()
	b.PublishSync(Event{Type: EventTypeChunk})

	assert.Equal(t, 1, calls)
}

func TestEventBus_SequenceIncreases(t *testing.T) {
	b := NewEventBus()

	seqs := make(chan uint64, 3)
	b.SubscribeAll(func(e Event) { seqs <- e.Seq })

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: EventTypeStatus})
	}

	var collected []uint64
	for i := 0; i < 3; i++ {
		select {
		case s := <-seqs:
			collected = append(collected, s)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	require.Len(t, collected, 3)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, collected)
}

func TestEventBus_Clear(t *testing.T) {
	b := NewEventBus()
	calls := 0
	b.SubscribeAll(func(Event) { calls++ })
	b.Clear()
	b.PublishSync(Event{Type: EventTypeStatus})
	assert.Equal(t, 0, calls)
}
