package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"VoiceForge/pkg/cache"
	"VoiceForge/pkg/config"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/metrics"

	"go.uber.org/zap"
)

const snapshotPrefix = "progress:"

// Relay forwards events to broadcasters running in other processes.
type Relay interface {
	Forward(e Event) error
}

type entry struct {
	last Event
	subs map[*Subscription]struct{}
	// closing is set once a terminal event armed the grace timer
	closing *time.Timer
	// seeded marks last as rebuilt from the database; any live event replaces it
	seeded bool
}

// Broadcaster 每个档案缓存最后一条事件并非阻塞地推送给订阅者
type Broadcaster struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	snapshots cache.Cache
	relay     Relay
	loader    Loader
	grace     time.Duration
	ttl       time.Duration
	buffer    int
	log       *zap.Logger
	now       func() time.Time
}

// NewBroadcaster snapshots may be nil; when set, the last event is also
// written there so another instance can replay it.
func NewBroadcaster(cfg config.Progress, snapshots cache.Cache) *Broadcaster {
	b := &Broadcaster{
		entries:   make(map[string]*entry),
		snapshots: snapshots,
		grace:     cfg.TerminalGrace,
		ttl:       cfg.SnapshotTTL,
		buffer:    cfg.BufferSize,
		log:       logger.Named("progress"),
		now:       time.Now,
	}
	if b.ttl <= 0 {
		b.ttl = time.Hour
	}
	if b.buffer <= 0 {
		b.buffer = 32
	}
	return b
}

// SetRelay 设置跨实例转发
func (b *Broadcaster) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// SetLoader 设置无缓存事件时的回源加载
func (b *Broadcaster) SetLoader(l Loader) {
	b.mu.Lock()
	b.loader = l
	b.mu.Unlock()
}

// Subscription is one live observer. C is closed on Unsubscribe, on the
// post-terminal grace close and on broadcaster shutdown.
type Subscription struct {
	C         <-chan Event
	ProfileID string

	ch   chan Event
	b    *Broadcaster
	once sync.Once
}

// Unsubscribe releases the subscription; safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.b.remove(s)
}

// Subscribe registers an observer. The latest known event, if any, is queued
// on the channel before anything published afterwards. Without a cached
// event the loader's view of the persisted profile is replayed instead.
func (b *Broadcaster) Subscribe(ctx context.Context, profileID string) *Subscription {
	snap, hasSnap := b.loadSnapshot(ctx, profileID)
	var (
		seed    Event
		hasSeed bool
	)
	if loader := b.fallbackLoader(profileID); !hasSnap && loader != nil {
		seed, hasSeed = loader(ctx, profileID)
	}

	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ProfileID: profileID, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	e := b.entries[profileID]
	if e == nil {
		e = &entry{subs: make(map[*Subscription]struct{})}
		b.entries[profileID] = e
	}
	e.subs[sub] = struct{}{}
	metrics.ProgressSubscribers.Inc()

	replay, ok := e.last, !e.last.Timestamp.IsZero()
	if hasSnap && (!ok || snap.Timestamp.After(replay.Timestamp)) {
		replay, ok = snap, true
	}
	if !ok && hasSeed {
		replay, ok = seed, true
		e.last, e.seeded = seed, true
	}
	if ok {
		ch <- replay
		if replay.Terminal() {
			b.armCloseLocked(profileID, e)
		}
	}
	return sub
}

// fallbackLoader returns the loader only when nothing is cached locally.
func (b *Broadcaster) fallbackLoader(profileID string) Loader {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[profileID]; e != nil && !e.last.Timestamp.IsZero() {
		return nil
	}
	return b.loader
}

// Publish caches the event, fans it out locally and forwards it to the relay.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	b.deliver(ev)
	b.storeSnapshot(ev)

	b.mu.Lock()
	relay := b.relay
	b.mu.Unlock()
	if relay != nil {
		if err := relay.Forward(ev); err != nil {
			b.log.Warn("relay progress event", zap.String("profile_id", ev.ProfileID), zap.Error(err))
		}
	}
}

// Receive delivers an event that arrived from another instance.
func (b *Broadcaster) Receive(ev Event) {
	b.deliver(ev)
}

func (b *Broadcaster) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	e := b.entries[ev.ProfileID]
	if e == nil {
		e = &entry{subs: make(map[*Subscription]struct{})}
		b.entries[ev.ProfileID] = e
	}
	if !e.seeded && !e.last.Timestamp.IsZero() && ev.Timestamp.Before(e.last.Timestamp) {
		return
	}
	e.last, e.seeded = ev, false
	for sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.ProgressDropped.Inc()
		}
	}
	if ev.Terminal() {
		b.armCloseLocked(ev.ProfileID, e)
	} else if e.closing != nil {
		// retraining restarted the stream
		e.closing.Stop()
		e.closing = nil
	}
}

func (b *Broadcaster) armCloseLocked(profileID string, e *entry) {
	if e.closing != nil || b.grace <= 0 {
		return
	}
	e.closing = time.AfterFunc(b.grace, func() { b.closeSubscribers(profileID) })
}

func (b *Broadcaster) closeSubscribers(profileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[profileID]
	if e == nil {
		return
	}
	e.closing = nil
	if !e.last.Terminal() {
		return
	}
	for sub := range e.subs {
		b.dropLocked(e, sub)
	}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[sub.ProfileID]; e != nil {
		if _, ok := e.subs[sub]; ok {
			b.dropLocked(e, sub)
			return
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

func (b *Broadcaster) dropLocked(e *entry, sub *Subscription) {
	delete(e.subs, sub)
	metrics.ProgressSubscribers.Dec()
	sub.once.Do(func() { close(sub.ch) })
}

// Last returns the latest locally known event.
func (b *Broadcaster) Last(profileID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[profileID]; e != nil && !e.last.Timestamp.IsZero() {
		return e.last, true
	}
	return Event{}, false
}

// Forget drops the cached event of a deleted profile and closes its subscribers.
func (b *Broadcaster) Forget(ctx context.Context, profileID string) {
	b.mu.Lock()
	if e := b.entries[profileID]; e != nil {
		if e.closing != nil {
			e.closing.Stop()
		}
		for sub := range e.subs {
			b.dropLocked(e, sub)
		}
		delete(b.entries, profileID)
	}
	b.mu.Unlock()
	if b.snapshots != nil {
		if err := b.snapshots.Delete(ctx, snapshotPrefix+profileID); err != nil {
			b.log.Warn("delete progress snapshot", zap.String("profile_id", profileID), zap.Error(err))
		}
	}
}

// Sweep drops cached events older than the snapshot TTL that nobody watches.
func (b *Broadcaster) Sweep() int {
	cutoff := b.now().Add(-b.ttl)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, e := range b.entries {
		if len(e.subs) == 0 && e.last.Timestamp.Before(cutoff) {
			if e.closing != nil {
				e.closing.Stop()
			}
			delete(b.entries, id)
			n++
		}
	}
	return n
}

// Close 关闭全部订阅
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, e := range b.entries {
		if e.closing != nil {
			e.closing.Stop()
		}
		for sub := range e.subs {
			b.dropLocked(e, sub)
		}
	}
	b.entries = make(map[string]*entry)
}

func (b *Broadcaster) storeSnapshot(ev Event) {
	if b.snapshots == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.snapshots.Set(ctx, snapshotPrefix+ev.ProfileID, string(raw), b.ttl); err != nil {
		b.log.Warn("store progress snapshot", zap.String("profile_id", ev.ProfileID), zap.Error(err))
	}
}

func (b *Broadcaster) loadSnapshot(ctx context.Context, profileID string) (Event, bool) {
	if b.snapshots == nil {
		return Event{}, false
	}
	raw, ok := b.snapshots.Get(ctx, snapshotPrefix+profileID)
	if !ok {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}
