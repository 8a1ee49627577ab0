// Package queue carries pipeline jobs between the API and the workers.
//
// Two classes exist. Preprocess jobs run with bounded parallelism; train jobs
// run strictly one at a time across every process sharing the queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Class selects the lane a job travels on.
type Class string

const (
	ClassPreprocess Class = "preprocess"
	ClassTrain      Class = "train"
)

// Job is the message body. Handlers re-read authoritative state from the
// database; the payload only identifies the work.
type Job struct {
	ID        string    `json:"job_id"`
	ProfileID string    `json:"profile_id"`
	Class     Class     `json:"class"`
	CreatedAt time.Time `json:"created_at"`
}

// DedupID is stable per (job, class) so a double publish collapses.
func (j Job) DedupID() string {
	return j.ID + ":" + string(j.Class)
}

// Delivery is one received job. Exactly one of Ack or Term settles it; a
// handler that returns without settling is acked on its behalf.
type Delivery interface {
	Job() Job
	Ack() error
	Term() error
	// InProgress extends the redelivery deadline during long work.
	InProgress() error
}

type Handler func(ctx context.Context, d Delivery)

type Queue interface {
	Publish(ctx context.Context, job Job) error
	// Consume starts delivering jobs of the class and returns once the
	// subscription is set up. Delivery stops when ctx is cancelled or the
	// queue is closed.
	Consume(ctx context.Context, class Class, h Handler) error
	Close() error
}

// Options 各类任务并发度
type Options struct {
	PreprocessConcurrency int
	// PreprocessAckWait / TrainAckWait 超时未确认将被重投
	PreprocessAckWait time.Duration
	TrainAckWait      time.Duration
}

func (o Options) withDefaults() Options {
	if o.PreprocessConcurrency <= 0 {
		o.PreprocessConcurrency = 4
	}
	if o.PreprocessAckWait <= 0 {
		o.PreprocessAckWait = 5 * time.Minute
	}
	if o.TrainAckWait <= 0 {
		o.TrainAckWait = time.Hour
	}
	return o
}

func (o Options) concurrency(c Class) int {
	if c == ClassTrain {
		return 1
	}
	return o.PreprocessConcurrency
}

var (
	ErrClosed       = errors.New("queue closed")
	ErrUnknownClass = errors.New("unknown job class")
)

func validClass(c Class) bool {
	return c == ClassPreprocess || c == ClassTrain
}

func encode(job Job) ([]byte, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(job)
}

// settleOnce guards a delivery against double settlement.
type settleOnce struct {
	mu      sync.Mutex
	settled bool
}

func (s *settleOnce) try() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return false
	}
	s.settled = true
	return true
}

func (s *settleOnce) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}
