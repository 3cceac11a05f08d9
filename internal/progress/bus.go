// Package progress implements the in-process pub/sub hub for pipeline
// progress events. Publishers never block: slow subscribers drop events
// instead of exerting backpressure on the pipeline.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a progress event type.
type Kind string

const (
	KindQueued        Kind = "queued"
	KindStarted       Kind = "started"
	KindChunkCreated  Kind = "chunk_created"
	KindChunkAnalyzed Kind = "chunk_analyzed"
	KindChunkEmbedded Kind = "chunk_embedded"
	KindChunkStored   Kind = "chunk_stored"
	KindProgress      Kind = "progress"
	KindCompleted     Kind = "completed"
	KindFailed        Kind = "failed"
	KindCancelled     Kind = "cancelled"
	KindHeartbeat     Kind = "heartbeat"
)

// Terminal reports whether the kind ends a session's event stream.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCancelled
}

// Event is a single progress notification. Events are ephemeral; they are
// never persisted.
type Event struct {
	SessionID string         `json:"session_id"`
	JobID     string         `json:"job_id"`
	Kind      Kind           `json:"event"`
	Payload   map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultHeartbeatInterval is how often idle subscribers receive a heartbeat
// so HTTP intermediaries keep the stream open.
const DefaultHeartbeatInterval = 15 * time.Second

// Subscriber is a bounded-buffer consumer of one topic (or the wildcard).
type Subscriber struct {
	topic    string
	ch       chan Event
	dropped  atomic.Uint64
	lastSent atomic.Int64 // unix nanos of last delivered event

	closeOnce sync.Once
	bus       *Bus
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscriber is closed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscriber from the bus and closes its channel.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// deliver pushes an event without blocking, counting drops.
func (s *Subscriber) deliver(ev Event) {
	select {
	case s.ch <- ev:
		s.lastSent.Store(time.Now().UnixNano())
	default:
		s.dropped.Add(1)
	}
}

// topic groups the subscribers of one session under its own lock so a busy
// session does not contend with others.
type topic struct {
	mu   sync.RWMutex
	subs []*Subscriber
}

// Bus is the process-wide progress hub keyed by session id.
type Bus struct {
	bufferSize int
	interval   time.Duration

	mu       sync.RWMutex
	topics   map[string]*topic
	wildcard *topic

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithHeartbeatInterval overrides the idle heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.interval = d
		}
	}
}

// NewBus creates the hub and starts its idle-heartbeat loop.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		bufferSize: DefaultBufferSize,
		interval:   DefaultHeartbeatInterval,
		topics:     make(map[string]*topic),
		wildcard:   &topic{},
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.heartbeatLoop()
	return b
}

// Publish fans an event out to the session's subscribers and the wildcard
// subscribers. Never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	t := b.topics[ev.SessionID]
	b.mu.RUnlock()

	if t != nil {
		t.mu.RLock()
		for _, s := range t.subs {
			s.deliver(ev)
		}
		t.mu.RUnlock()
	}

	b.wildcard.mu.RLock()
	for _, s := range b.wildcard.subs {
		s.deliver(ev)
	}
	b.wildcard.mu.RUnlock()
}

// Subscribe attaches a bounded subscriber to one session topic.
func (b *Bus) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		topic: sessionID,
		ch:    make(chan Event, b.bufferSize),
		bus:   b,
	}
	sub.lastSent.Store(time.Now().UnixNano())

	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{}
		b.topics[sessionID] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub
}

// SubscribeAll attaches a wildcard subscriber receiving every event
// (dashboards).
func (b *Bus) SubscribeAll() *Subscriber {
	sub := &Subscriber{
		ch:  make(chan Event, b.bufferSize),
		bus: b,
	}
	sub.lastSent.Store(time.Now().UnixNano())

	b.wildcard.mu.Lock()
	b.wildcard.subs = append(b.wildcard.subs, sub)
	b.wildcard.mu.Unlock()
	return sub
}

// Close stops the heartbeat loop and closes all subscribers.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})

	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics)+1)
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*topic)
	b.mu.Unlock()
	topics = append(topics, b.wildcard)

	for _, t := range topics {
		t.mu.Lock()
		subs := t.subs
		t.subs = nil
		t.mu.Unlock()
		for _, s := range subs {
			s.closeOnce.Do(func() { close(s.ch) })
		}
	}
}

// unsubscribe removes the subscriber from its topic, pruning empty topics.
func (b *Bus) unsubscribe(sub *Subscriber) {
	if sub.topic == "" {
		b.wildcard.mu.Lock()
		b.wildcard.subs = removeSub(b.wildcard.subs, sub)
		b.wildcard.mu.Unlock()
		return
	}

	b.mu.Lock()
	t, ok := b.topics[sub.topic]
	if ok {
		t.mu.Lock()
		t.subs = removeSub(t.subs, sub)
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()
}

func removeSub(subs []*Subscriber, target *Subscriber) []*Subscriber {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// heartbeatLoop sends a heartbeat to subscribers that have been idle for at
// least one interval.
func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			b.sendHeartbeats(now)
		}
	}
}

func (b *Bus) sendHeartbeats(now time.Time) {
	cutoff := now.Add(-b.interval).UnixNano()

	b.mu.RLock()
	topics := make(map[string]*topic, len(b.topics))
	for id, t := range b.topics {
		topics[id] = t
	}
	b.mu.RUnlock()

	for id, t := range topics {
		ev := Event{SessionID: id, Kind: KindHeartbeat, Timestamp: now.UTC()}
		t.mu.RLock()
		for _, s := range t.subs {
			if s.lastSent.Load() <= cutoff {
				s.deliver(ev)
			}
		}
		t.mu.RUnlock()
	}

	b.wildcard.mu.RLock()
	for _, s := range b.wildcard.subs {
		if s.lastSent.Load() <= cutoff {
			s.deliver(Event{Kind: KindHeartbeat, Timestamp: now.UTC()})
		}
	}
	b.wildcard.mu.RUnlock()

	if len(topics) > 0 {
		slog.Debug("progress heartbeat", slog.Int("topics", len(topics)))
	}
}
