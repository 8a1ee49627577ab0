package queue

import (
	"context"
	"sync"

	"VoiceForge/pkg/logger"

	"go.uber.org/zap"
)

// MemoryQueue 进程内实现，用于测试与单机无 NATS 场景
//
// 去重只覆盖排队和执行中的任务：处理结束后键即释放，
// 之后同一任务的重新投递会再次送达，由处理方自行丢弃。
type MemoryQueue struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	lanes  map[Class]chan Job
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewMemory(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts: opts.withDefaults(),
		log:  logger.Named("queue"),
		seen: make(map[string]struct{}),
		lanes: map[Class]chan Job{
			ClassPreprocess: make(chan Job, 1024),
			ClassTrain:      make(chan Job, 1024),
		},
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, job Job) error {
	if !validClass(job.Class) {
		return ErrUnknownClass
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, dup := q.seen[job.DedupID()]; dup {
		q.mu.Unlock()
		return nil
	}
	q.seen[job.DedupID()] = struct{}{}
	lane := q.lanes[job.Class]
	q.mu.Unlock()

	select {
	case lane <- job:
		return nil
	case <-ctx.Done():
		q.forget(job)
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

func (q *MemoryQueue) forget(job Job) {
	q.mu.Lock()
	delete(q.seen, job.DedupID())
	q.mu.Unlock()
}

// Pending 尚未处理完的去重键数量
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}

func (q *MemoryQueue) Consume(ctx context.Context, class Class, h Handler) error {
	if !validClass(class) {
		return ErrUnknownClass
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	lane := q.lanes[class]
	q.mu.Unlock()

	n := q.opts.concurrency(class)
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case job := <-lane:
					runHandler(ctx, h, &memDelivery{job: job}, q.log)
					q.forget(job)
				}
			}
		}()
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

type memDelivery struct {
	job Job
	settleOnce
}

func (d *memDelivery) Job() Job          { return d.job }
func (d *memDelivery) Ack() error        { d.try(); return nil }
func (d *memDelivery) Term() error       { d.try(); return nil }
func (d *memDelivery) InProgress() error { return nil }
