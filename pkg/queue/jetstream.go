package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"VoiceForge/pkg/logger"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	StreamName    = "VOICE_JOBS"
	subjectPrefix = "voice.jobs."
)

func subject(c Class) string { return subjectPrefix + string(c) }

func durableName(c Class) string { return "voiceforge-" + string(c) }

// JetStreamQueue 基于 JetStream WorkQueue 流。训练类消费者 MaxAckPending=1，
// 多实例共享同一 durable consumer，因此全局同一时刻只有一个训练任务在途。
type JetStreamQueue struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	closed  bool
	running []jetstream.ConsumeContext
	wg      sync.WaitGroup
}

func NewJetStream(ctx context.Context, nc *nats.Conn, opts Options) (*JetStreamQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ">"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return &JetStreamQueue{nc: nc, js: js, opts: opts.withDefaults(), log: logger.Named("queue")}, nil
}

func (q *JetStreamQueue) Publish(ctx context.Context, job Job) error {
	if !validClass(job.Class) {
		return ErrUnknownClass
	}
	data, err := encode(job)
	if err != nil {
		return err
	}
	ack, err := q.js.Publish(ctx, subject(job.Class), data, jetstream.WithMsgID(job.DedupID()))
	if err != nil {
		return fmt.Errorf("publish %s job %s: %w", job.Class, job.ID, err)
	}
	if ack.Duplicate {
		q.log.Debug("duplicate publish collapsed", zap.String("job_id", job.ID), zap.String("class", string(job.Class)))
	}
	return nil
}

func (q *JetStreamQueue) Consume(ctx context.Context, class Class, h Handler) error {
	if !validClass(class) {
		return ErrUnknownClass
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	n := q.opts.concurrency(class)
	ackWait := q.opts.PreprocessAckWait
	if class == ClassTrain {
		ackWait = q.opts.TrainAckWait
	}
	cons, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       durableName(class),
		FilterSubject: subject(class),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    3,
		MaxAckPending: n,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durableName(class), err)
	}

	sem := make(chan struct{}, n)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			q.log.Error("dropping undecodable job", zap.Error(err), zap.String("subject", msg.Subject()))
			_ = msg.TermWithReason("undecodable payload")
			return
		}
		sem <- struct{}{}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			<-sem
			return
		}
		q.wg.Add(1)
		q.mu.Unlock()
		go func() {
			defer func() {
				<-sem
				q.wg.Done()
			}()
			d := &jsDelivery{msg: msg, job: job}
			runHandler(ctx, h, d, q.log)
		}()
	}, jetstream.PullMaxMessages(n))
	if err != nil {
		return fmt.Errorf("consume %s: %w", class, err)
	}

	q.mu.Lock()
	q.running = append(q.running, cc)
	q.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			cc.Stop()
		case <-cc.Closed():
		}
	}()
	q.log.Info("consumer started", zap.String("class", string(class)), zap.Int("concurrency", n))
	return nil
}

// Close 停止拉取并等待在途任务结束；连接由调用方负责关闭
func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	running := q.running
	q.running = nil
	q.mu.Unlock()

	for _, cc := range running {
		cc.Stop()
	}
	q.wg.Wait()
	return nil
}

type jsDelivery struct {
	msg jetstream.Msg
	job Job
	settleOnce
}

func (d *jsDelivery) Job() Job { return d.job }

func (d *jsDelivery) Ack() error {
	if !d.try() {
		return nil
	}
	return d.msg.Ack()
}

func (d *jsDelivery) Term() error {
	if !d.try() {
		return nil
	}
	return d.msg.Term()
}

func (d *jsDelivery) InProgress() error {
	if d.done() {
		return nil
	}
	return d.msg.InProgress()
}

func runHandler(ctx context.Context, h Handler, d Delivery, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", zap.Any("panic", r), zap.String("job_id", d.Job().ID))
			_ = d.Term()
			return
		}
		if err := d.Ack(); err != nil {
			log.Warn("ack failed", zap.Error(err), zap.String("job_id", d.Job().ID))
		}
	}()
	h(ctx, d)
}
