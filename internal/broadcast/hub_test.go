package broadcast

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(buffer int) *Hub {
	return NewHub(buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drain(s *Subscription) []Event {
	var events []Event
	for {
		select {
		case e, ok := <-s.C:
			if !ok {
				return events
			}
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestHub_DeliversInOrderToAll(t *testing.T) {
	h := newTestHub(8)
	a := h.Subscribe()
	b := h.Subscribe()
	defer a.Close()
	defer b.Close()

	h.Publish(Event{Type: EventInsert, ID: 1, Machine: "LX4"})
	h.Publish(Event{Type: EventDelete, ID: 1, Machine: "LX4"})
	h.Publish(Event{Type: EventBulkDelete, Machine: "A5", Count: 3})

	want := []Event{
		{Type: EventInsert, ID: 1, Machine: "LX4"},
		{Type: EventDelete, ID: 1, Machine: "LX4"},
		{Type: EventBulkDelete, Machine: "A5", Count: 3},
	}
	assert.Equal(t, want, drain(a))
	assert.Equal(t, want, drain(b))
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := newTestHub(2)
	slow := h.Subscribe()
	fast := h.Subscribe()
	defer fast.Close()

	for i := int64(1); i <= 2; i++ {
		h.Publish(Event{Type: EventInsert, ID: i})
		require.Len(t, drain(fast), 1)
	}
	// slow never reads, so the third event overflows its buffer.
	h.Publish(Event{Type: EventInsert, ID: 3})

	assert.Equal(t, 1, h.Len())
	got := drain(slow)
	assert.Len(t, got, 2)
	_, ok := <-slow.C
	assert.False(t, ok, "dropped subscription must be closed")

	assert.Equal(t, []Event{{Type: EventInsert, ID: 3}}, drain(fast))
	slow.Close()
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	h := newTestHub(4)
	s := h.Subscribe()

	s.Close()
	s.Close()
	assert.Equal(t, 0, h.Len())

	h.Close()
	h.Close()
	h.Publish(Event{Type: EventInsert, ID: 1})

	late := h.Subscribe()
	_, ok := <-late.C
	assert.False(t, ok, "subscribing to a closed hub yields a closed channel")
}

func TestHub_ConcurrentPublish(t *testing.T) {
	const n = 50
	h := newTestHub(n * 2)
	s := h.Subscribe()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			h.Publish(Event{Type: EventInsert, ID: id})
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Len(t, drain(s), n)
}
