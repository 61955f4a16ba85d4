package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRecentKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", map[string]int{"i": i})
	}

	got := h.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(5), got[2].Seq)

	assert.Len(t, h.Recent(4), 1)
}

func TestHubSubscribeReceives(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe(4)
	defer cancel()

	h.Publish("lock_acquired", map[string]string{"group_id": "api"})

	select {
	case ev := <-ch:
		assert.Equal(t, "lock_acquired", ev.Kind)
		assert.JSONEq(t, `{"group_id":"api"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	h.Publish("x", nil)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish("x", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
