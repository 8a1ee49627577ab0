package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryRunsUntilStopped(t *testing.T) {
	s := New()
	var n atomic.Int32
	s.Every("tick", 10*time.Millisecond, FuncJob(func(ctx context.Context) { n.Add(1) }))

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	after := n.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestPanickingJobKeepsSchedule(t *testing.T) {
	s := New()
	defer s.Stop()
	var n atomic.Int32
	s.Every("boom", 10*time.Millisecond, FuncJob(func(ctx context.Context) {
		n.Add(1)
		panic("boom")
	}))
	assert.Eventually(t, func() bool { return n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestCronAddRejectsBadExpression(t *testing.T) {
	c := NewCron(time.UTC)
	_, err := c.Add("not a cron", FuncJob(func(ctx context.Context) {}))
	assert.Error(t, err)

	_, err = c.Add("0 3 * * *", FuncJob(func(ctx context.Context) {}))
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
	c.Start()
	c.Stop()
}
