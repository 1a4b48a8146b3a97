package broadcast

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-sync-backend/internal/model"
)

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	b := New(4, nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	require.Equal(t, 2, b.Count())
	assert.NotEqual(t, s1.ID, s2.ID)

	env := model.DefaultEnvelope()
	env.Version = 3
	require.NoError(t, b.Publish(model.NewStateEvent(env)))

	for _, sub := range []*Subscription{s1, s2} {
		frame := <-sub.Frames
		var got map[string]any
		require.NoError(t, json.Unmarshal(frame, &got))
		assert.Equal(t, model.EventStateUpdate, got["type"])
		assert.EqualValues(t, 3, got["version"])
	}
}

func TestBroadcaster_UnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New(1, nil)
	sub := b.Subscribe()

	b.Unsubscribe(sub.ID)
	b.Unsubscribe(sub.ID)
	b.Unsubscribe("unknown")

	_, open := <-sub.Frames
	assert.False(t, open)
	assert.Equal(t, 0, b.Count())

	// Publishing with nobody listening is fine.
	assert.NoError(t, b.Publish(model.NewLockEvent(model.LockStatus{})))
}

func TestBroadcaster_EvictsSlowSubscriber(t *testing.T) {
	b := New(2, nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := 0; i < 3; i++ {
		b.PublishFrame([]byte(`{"type":"lock_status","locked":false}`))
		<-fast.Frames
	}

	assert.Equal(t, 1, b.Count())
	n := 0
	for range slow.Frames {
		n++
	}
	assert.Equal(t, 2, n, "buffered frames are still drained before the close")
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(64, nil)
	subs := make([]*Subscription, 8)
	for i := range subs {
		subs[i] = b.Subscribe()
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.PublishFrame([]byte(`{}`))
			}
		}()
	}
	for _, s := range subs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b.Unsubscribe(id)
		}(s.ID)
	}
	wg.Wait()
	assert.Equal(t, 0, b.Count())
}

func TestBroadcaster_Close(t *testing.T) {
	b := New(0, nil)
	sub := b.Subscribe()
	b.Close()
	_, open := <-sub.Frames
	assert.False(t, open)
	assert.Equal(t, 0, b.Count())
}
