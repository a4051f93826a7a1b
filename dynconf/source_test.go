package dynconf

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawValues(pairs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestSnapshotDecode(t *testing.T) {
	snap := NewSnapshot(1, rawValues(map[string]string{
		"limit":   "42",
		"enabled": "true",
		"name":    `"blue"`,
	}))

	assert.Equal(t, int64(42), snap.GetInt64("limit", 0))
	assert.Equal(t, true, snap.GetBool("enabled", false))
	assert.Equal(t, "blue", snap.GetString("name", ""))

	assert.Equal(t, int64(7), snap.GetInt64("missing", 7))
	assert.Equal(t, "fallback", snap.GetString("missing", "fallback"))

	var v int
	err := snap.Decode("missing", &v)
	require.Error(t, err)
}

func TestSubscribeReceivesCurrentSnapshot(t *testing.T) {
	src := NewSource(nil)
	require.NoError(t, src.Publish(NewSnapshot(1, rawValues(map[string]string{"k": "1"}))))

	got := make(chan Snapshot, 1)
	sub, err := src.Subscribe("late", func(s Snapshot) { got <- s })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case s := <-got:
		assert.Equal(t, int64(1), s.Version())
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the current snapshot")
	}
}

func TestPublishDeliversInVersionOrder(t *testing.T) {
	src := NewSource(nil)

	var mu sync.Mutex
	var seen []int64
	delivered := make(chan struct{}, 16)
	sub, err := src.Subscribe("orderly", func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Version())
		mu.Unlock()
		delivered <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, src.Publish(NewSnapshot(v, nil)))
		// Wait out each delivery so none coalesce; ordering is what
		// this test is about.
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatalf("version %d was never delivered", v)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
}

func TestRapidPublishesCoalesceToLatest(t *testing.T) {
	src := NewSource(nil)

	release := make(chan struct{})
	var last atomic.Int64
	var calls atomic.Int64
	sub, err := src.Subscribe("slowpoke", func(s Snapshot) {
		calls.Add(1)
		last.Store(s.Version())
		<-release
	})
	require.NoError(t, err)

	for v := int64(1); v <= 50; v++ {
		require.NoError(t, src.Publish(NewSnapshot(v, nil)))
	}

	// Unblock the callback for every pending delivery.
	close(release)

	assert.Eventually(t, func() bool {
		return last.Load() == 50
	}, time.Second, 5*time.Millisecond, "latest snapshot must eventually arrive")

	sub.Unsubscribe()
	// Intermediate versions may be skipped, so far fewer deliveries
	// than publishes.
	assert.Less(t, calls.Load(), int64(50))
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	src := NewSource(nil)

	var count atomic.Int64
	sub, err := src.Subscribe("quitter", func(Snapshot) { count.Add(1) })
	require.NoError(t, err)

	require.NoError(t, src.Publish(NewSnapshot(1, nil)))
	assert.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)

	sub.Unsubscribe()
	after := count.Load()

	require.NoError(t, src.Publish(NewSnapshot(2, nil)))
	require.NoError(t, src.Publish(NewSnapshot(3, nil)))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, after, count.Load(), "no deliveries may happen after Unsubscribe returns")
	assert.Equal(t, 0, src.SubscriberCount())

	// Unsubscribe is idempotent.
	sub.Unsubscribe()
}

func TestSubscriptionNeverRegressesToOlderVersion(t *testing.T) {
	src := NewSource(nil)

	var mu sync.Mutex
	var seen []int64
	delivered := make(chan struct{}, 4)
	sub, err := src.Subscribe("racer", func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Version())
		mu.Unlock()
		delivered <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// A newer snapshot reaches the subscription first; the older one
	// arriving late must not replace it. This is the interleaving where
	// a publish lands between Subscribe registering the subscription and
	// handing it the then-current snapshot.
	sub.offer(NewSnapshot(2, nil))
	sub.offer(NewSnapshot(1, nil))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("snapshot was never delivered")
	}

	mu.Lock()
	assert.Equal(t, []int64{2}, seen, "older snapshot must be dropped, not delivered")
	mu.Unlock()

	// Strictly newer versions still flow through.
	sub.offer(NewSnapshot(3, nil))
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("newer snapshot was never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{2, 3}, seen)
}

func TestStaleSnapshotIgnored(t *testing.T) {
	src := NewSource(nil)
	require.NoError(t, src.Publish(NewSnapshot(5, rawValues(map[string]string{"k": "1"}))))
	require.NoError(t, src.Publish(NewSnapshot(3, rawValues(map[string]string{"k": "2"}))))

	assert.Equal(t, int64(5), src.Current().Version())
}

func TestCloseCancelsSubscribers(t *testing.T) {
	src := NewSource(nil)

	sub, err := src.Subscribe("doomed", func(Snapshot) {})
	require.NoError(t, err)
	_ = sub

	src.Close()
	assert.Equal(t, 0, src.SubscriberCount())

	_, err = src.Subscribe("toolate", func(Snapshot) {})
	require.Error(t, err)

	err = src.Publish(NewSnapshot(1, nil))
	require.Error(t, err)
}
