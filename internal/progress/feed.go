package progress

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Feed adapts a subscription to the byte stream the websocket and SSE
// transports consume. The channel closes when the subscription does or when
// stop is called.
func (b *Broadcaster) Feed(ctx context.Context, profileID string) (<-chan []byte, func()) {
	sub := b.Subscribe(ctx, profileID)
	out := make(chan []byte, b.buffer)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			sub.Unsubscribe()
		})
	}

	go func() {
		defer close(out)
		for ev := range sub.C {
			data, err := json.Marshal(ev)
			if err != nil {
				b.log.Warn("encode progress event", zap.String("profile_id", profileID), zap.Error(err))
				continue
			}
			select {
			case out <- data:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stop
}
