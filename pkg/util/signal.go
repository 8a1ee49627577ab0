package util

import "sync"

// SigHandler 信号回调，sender 为事件主体
type SigHandler func(sender any, params ...any)

type signals struct {
	mu       sync.RWMutex
	handlers map[string][]SigHandler
}

var (
	sigOnce sync.Once
	sigInst *signals
)

// Sig 进程内信号总线
func Sig() *signals {
	sigOnce.Do(func() {
		sigInst = &signals{handlers: make(map[string][]SigHandler)}
	})
	return sigInst
}

func (s *signals) Connect(name string, h SigHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = append(s.handlers[name], h)
}

// Emit 同步调用所有回调；耗时逻辑由回调自行异步
func (s *signals) Emit(name string, sender any, params ...any) {
	s.mu.RLock()
	hs := append([]SigHandler(nil), s.handlers[name]...)
	s.mu.RUnlock()
	for _, h := range hs {
		h(sender, params...)
	}
}

// Reset 清空回调，仅供测试
func (s *signals) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = make(map[string][]SigHandler)
}
