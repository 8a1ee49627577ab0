package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStream(t *testing.T) *nats.Conn {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// concurrencyProbe records the peak number of handlers running at once.
type concurrencyProbe struct {
	current, peak atomic.Int32
	wg            sync.WaitGroup
	hold          time.Duration
}

func (p *concurrencyProbe) handler(ctx context.Context, d Delivery) {
	defer p.wg.Done()
	n := p.current.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(p.hold)
	p.current.Add(-1)
}

func exerciseQueue(t *testing.T, q Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	train := &concurrencyProbe{hold: 30 * time.Millisecond}
	pre := &concurrencyProbe{hold: 60 * time.Millisecond}
	train.wg.Add(3)
	pre.wg.Add(6)

	require.NoError(t, q.Consume(ctx, ClassTrain, train.handler))
	require.NoError(t, q.Consume(ctx, ClassPreprocess, pre.handler))

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Publish(ctx, Job{ID: fmt.Sprintf("t%d", i), ProfileID: fmt.Sprintf("p%d", i), Class: ClassTrain}))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, q.Publish(ctx, Job{ID: fmt.Sprintf("j%d", i), ProfileID: "p", Class: ClassPreprocess}))
	}

	waitOrFail(t, &train.wg, 10*time.Second)
	waitOrFail(t, &pre.wg, 10*time.Second)

	assert.Equal(t, int32(1), train.peak.Load(), "training must never overlap")
	assert.LessOrEqual(t, pre.peak.Load(), int32(2))
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handlers")
	}
}

func TestJetStreamQueueConcurrency(t *testing.T) {
	nc := runJetStream(t)
	q, err := NewJetStream(context.Background(), nc, Options{PreprocessConcurrency: 2})
	require.NoError(t, err)
	defer q.Close()
	exerciseQueue(t, q)
}

func TestMemoryQueueConcurrency(t *testing.T) {
	q := NewMemory(Options{PreprocessConcurrency: 2})
	defer q.Close()
	exerciseQueue(t, q)
}

func TestDuplicatePublishDeliveredOnce(t *testing.T) {
	nc := runJetStream(t)
	js, err := NewJetStream(context.Background(), nc, Options{})
	require.NoError(t, err)
	defer js.Close()

	for name, q := range map[string]Queue{"jetstream": js, "memory": NewMemory(Options{})} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var count atomic.Int32
			job := Job{ID: "dup-" + name, ProfileID: "p", Class: ClassTrain}
			require.NoError(t, q.Publish(ctx, job))
			require.NoError(t, q.Publish(ctx, job))
			require.NoError(t, q.Consume(ctx, ClassTrain, func(ctx context.Context, d Delivery) {
				count.Add(1)
			}))
			time.Sleep(300 * time.Millisecond)
			assert.Equal(t, int32(1), count.Load())
		})
	}
}

func TestMemoryQueueForgetsHandledJobs(t *testing.T) {
	q := NewMemory(Options{})
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count atomic.Int32
	require.NoError(t, q.Consume(ctx, ClassTrain, func(ctx context.Context, d Delivery) {
		count.Add(1)
	}))
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Publish(ctx, Job{ID: fmt.Sprintf("j%d", i), ProfileID: "p", Class: ClassTrain}))
	}
	assert.Eventually(t, func() bool { return count.Load() == 50 && q.Pending() == 0 },
		5*time.Second, 10*time.Millisecond)

	// 处理完的任务可以再次投递
	require.NoError(t, q.Publish(ctx, Job{ID: "j0", ProfileID: "p", Class: ClassTrain}))
	assert.Eventually(t, func() bool { return count.Load() == 51 }, 5*time.Second, 10*time.Millisecond)
}

func TestPublishRejectsUnknownClass(t *testing.T) {
	q := NewMemory(Options{})
	defer q.Close()
	err := q.Publish(context.Background(), Job{ID: "x", Class: "render"})
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestEmbeddedServer(t *testing.T) {
	ns, err := RunEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	defer ns.Shutdown()
	assert.True(t, ns.JetStreamEnabled())

	nc, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	_, err = NewJetStream(context.Background(), nc, Options{})
	require.NoError(t, err)
}

