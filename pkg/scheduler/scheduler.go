package scheduler

import (
	"context"
	"sync"
	"time"

	"VoiceForge/pkg/logger"

	"go.uber.org/zap"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Scheduler 固定间隔的后台维护任务
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel, log: logger.Named("scheduler")}
}

// Stop 取消所有任务并等待正在执行的一轮结束
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) Every(name string, d time.Duration, job Job) {
	s.wg.Add(1)
	go s.loopEvery(name, d, job)
}

func (s *Scheduler) loopEvery(name string, d time.Duration, job Job) {
	defer s.wg.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.runOnce(name, job)
		}
	}
}

// runOnce 单轮 panic 不影响后续调度
func (s *Scheduler) runOnce(name string, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	job.Run(s.ctx)
	s.log.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}
