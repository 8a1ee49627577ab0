package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"VoiceForge/internal/models"
	"VoiceForge/pkg/cache"
	"VoiceForge/pkg/config"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroadcaster(grace time.Duration, c cache.Cache) *Broadcaster {
	return NewBroadcaster(config.Progress{TerminalGrace: grace, SnapshotTTL: time.Hour, BufferSize: 4}, c)
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestLateJoinerGetsTerminalEvent(t *testing.T) {
	b := newBroadcaster(0, nil)
	defer b.Close()

	b.Publish(Event{ProfileID: "p1", Progress: 0.5, Step: "Extracting voice characteristics", Status: models.StatusTraining})
	b.Publish(Event{ProfileID: "p1", Progress: 1, Step: "Training complete!", Status: models.StatusReady})

	sub := b.Subscribe(context.Background(), "p1")
	defer sub.Unsubscribe()
	ev := recv(t, sub)
	assert.Equal(t, models.StatusReady, ev.Status)
	assert.Equal(t, 1.0, ev.Progress)
}

func TestReplayPrecedesNewEvents(t *testing.T) {
	b := newBroadcaster(0, nil)
	defer b.Close()

	b.Publish(Event{ProfileID: "p1", Progress: 0.1, Status: models.StatusProcessing})
	sub := b.Subscribe(context.Background(), "p1")
	defer sub.Unsubscribe()
	b.Publish(Event{ProfileID: "p1", Progress: 0.2, Status: models.StatusProcessing})

	assert.Equal(t, 0.1, recv(t, sub).Progress)
	assert.Equal(t, 0.2, recv(t, sub).Progress)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := newBroadcaster(0, nil)
	defer b.Close()

	stuck := b.Subscribe(context.Background(), "p1")
	defer stuck.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{ProfileID: "p1", Progress: float64(i) / 100, Status: models.StatusTraining})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by a subscriber that never reads")
	}

	// the buffer keeps the oldest undelivered events, the rest are dropped
	assert.Equal(t, 0.0, recv(t, stuck).Progress)
	assert.Len(t, stuck.C, 3)

	last, ok := b.Last("p1")
	require.True(t, ok)
	assert.Equal(t, 0.99, last.Progress)

	late := b.Subscribe(context.Background(), "p1")
	defer late.Unsubscribe()
	assert.Equal(t, 0.99, recv(t, late).Progress)
}

func TestGraceCloseAfterTerminal(t *testing.T) {
	b := newBroadcaster(20*time.Millisecond, nil)
	defer b.Close()

	sub := b.Subscribe(context.Background(), "p1")
	b.Publish(Event{ProfileID: "p1", Progress: 0, Step: "Training failed: boom", Status: models.StatusFailed})
	assert.Equal(t, models.StatusFailed, recv(t, sub).Status)

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after grace period")
	}
	sub.Unsubscribe()
}

func TestSnapshotSharedThroughCache(t *testing.T) {
	shared := cache.NewLocalCache(cache.LocalConfig{MaxSize: 100, DefaultExpiration: time.Minute})
	defer shared.Close()

	a := newBroadcaster(0, shared)
	defer a.Close()
	other := newBroadcaster(0, shared)
	defer other.Close()

	a.Publish(Event{ProfileID: "p9", Progress: 1, Status: models.StatusReady})

	sub := other.Subscribe(context.Background(), "p9")
	defer sub.Unsubscribe()
	assert.Equal(t, models.StatusReady, recv(t, sub).Status)

	a.Forget(context.Background(), "p9")
	_, ok := shared.Get(context.Background(), snapshotPrefix+"p9")
	assert.False(t, ok)
}

func TestSweepDropsIdleEntries(t *testing.T) {
	b := newBroadcaster(0, nil)
	defer b.Close()
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Publish(Event{ProfileID: "old", Status: models.StatusReady})
	b.now = func() time.Time { return now.Add(2 * time.Hour) }
	b.Publish(Event{ProfileID: "fresh", Status: models.StatusTraining})

	assert.Equal(t, 1, b.Sweep())
	_, ok := b.Last("old")
	assert.False(t, ok)
	_, ok = b.Last("fresh")
	assert.True(t, ok)
}

func TestNATSRelay(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	defer srv.Shutdown()

	connect := func() *nats.Conn {
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		return nc
	}
	ncA, ncB := connect(), connect()
	defer ncA.Close()
	defer ncB.Close()

	a := newBroadcaster(0, nil)
	defer a.Close()
	remote := newBroadcaster(0, nil)
	defer remote.Close()

	ra, err := NewNATSRelay(ncA, a)
	require.NoError(t, err)
	defer ra.Close()
	rb, err := NewNATSRelay(ncB, remote)
	require.NoError(t, err)
	defer rb.Close()
	require.NoError(t, ncA.Flush())
	require.NoError(t, ncB.Flush())

	sub := remote.Subscribe(context.Background(), "p7")
	defer sub.Unsubscribe()

	a.Publish(Event{ProfileID: "p7", Progress: 0.4, Step: "Extracting voice characteristics", Status: models.StatusTraining})
	ev := recv(t, sub)
	assert.Equal(t, 0.4, ev.Progress)
	assert.Equal(t, "Extracting voice characteristics", ev.Step)
}

func TestFeedEncodesEventsAndEndsAfterTerminal(t *testing.T) {
	b := newBroadcaster(10*time.Millisecond, nil)
	defer b.Close()

	events, stop := b.Feed(context.Background(), "p1")
	defer stop()

	b.Publish(Event{ProfileID: "p1", Progress: 0.35, Step: "Downloading processed audio", Status: models.StatusTraining})
	b.Publish(Event{ProfileID: "p1", Progress: 1, Step: "Training complete!", Status: models.StatusReady})

	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-events:
			if !ok {
				require.Len(t, got, 2)
				assert.Equal(t, 0.35, got[0].Progress)
				assert.Equal(t, models.StatusReady, got[1].Status)
				return
			}
			var ev Event
			require.NoError(t, json.Unmarshal(data, &ev))
			got = append(got, ev)
		case <-timeout:
			t.Fatal("feed did not close")
		}
	}
}

func TestFeedStopClosesChannel(t *testing.T) {
	b := newBroadcaster(0, nil)
	defer b.Close()

	events, stop := b.Feed(context.Background(), "p1")
	stop()
	stop()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("feed still open after stop")
	}
}

func TestSubscribeSeedsFromPersistedProfile(t *testing.T) {
	b := newBroadcaster(10*time.Millisecond, nil)
	defer b.Close()
	score := 0.87
	b.SetLoader(func(_ context.Context, id string) (Event, bool) {
		if id != "p1" {
			return Event{}, false
		}
		return EventFromProfile(&models.VoiceProfile{ID: id, Status: models.StatusReady, VoiceSimilarityScore: &score}), true
	})

	sub := b.Subscribe(context.Background(), "p1")
	defer sub.Unsubscribe()
	ev := recv(t, sub)
	assert.Equal(t, models.StatusReady, ev.Status)
	assert.Equal(t, 1.0, ev.Progress)
	assert.Equal(t, "Training complete!", ev.Step)

	// 终态种子同样会在宽限期后关闭
	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after terminal seed")
	}

	other := b.Subscribe(context.Background(), "p2")
	defer other.Unsubscribe()
	select {
	case ev := <-other.C:
		t.Fatalf("unexpected replay %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLiveEventReplacesSeed(t *testing.T) {
	b := newBroadcaster(0, nil)
	defer b.Close()
	b.SetLoader(func(_ context.Context, id string) (Event, bool) {
		return Event{ProfileID: id, Status: models.StatusProcessing, Timestamp: time.Now().Add(time.Hour)}, true
	})

	sub := b.Subscribe(context.Background(), "p1")
	defer sub.Unsubscribe()
	assert.Equal(t, models.StatusProcessing, recv(t, sub).Status)

	b.Publish(Event{ProfileID: "p1", Progress: 0.35, Status: models.StatusTraining})
	ev := recv(t, sub)
	assert.Equal(t, models.StatusTraining, ev.Status)
	last, ok := b.Last("p1")
	require.True(t, ok)
	assert.Equal(t, 0.35, last.Progress)
}

func TestEventFromFailedProfile(t *testing.T) {
	reason := "Not enough valid recordings: 3 (need 5)"
	ev := EventFromProfile(&models.VoiceProfile{ID: "p1", Status: models.StatusFailed, TrainingProgress: 0.3, TrainingError: &reason})
	assert.Equal(t, 0.0, ev.Progress)
	assert.Equal(t, "Training failed: "+reason, ev.Step)
	assert.True(t, ev.Terminal())
	assert.False(t, ev.Timestamp.IsZero())
}
