package ensemble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// defaultSinkBuffer is the per-sink event buffer before drop-oldest kicks in.
const defaultSinkBuffer = 256

// cannotAnswerSentinel marks a response the UI should not display. Events
// carrying it are filtered at publish time.
const cannotAnswerSentinel = "CANNOT_ANSWER"

// placeholderAction is the generic progress label filtered at publish time
// to reduce UI noise.
const placeholderAction = "analyzing request"

// Sink receives activity events for one session subscription. Deliver may
// block; the streamer pumps each sink from its own goroutine so slow sinks
// never back-pressure publishers.
type Sink interface {
	Deliver(ev ActivityEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev ActivityEvent)

func (f SinkFunc) Deliver(ev ActivityEvent) { f(ev) }

// Streamer fans out ActivityEvents to per-session subscribers. Publish is
// non-blocking: each subscriber owns a bounded buffer with drop-oldest
// semantics and a coalesced "dropped=N" synthetic event.
type Streamer struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	buffer int
	logger *slog.Logger
}

// StreamerOption configures a Streamer.
type StreamerOption func(*Streamer)

// WithSinkBuffer sets the per-sink buffer size (default 256).
func WithSinkBuffer(n int) StreamerOption {
	return func(s *Streamer) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithStreamerLogger sets a structured logger.
func WithStreamerLogger(l *slog.Logger) StreamerOption {
	return func(s *Streamer) { s.logger = orNop(l) }
}

// NewStreamer creates a Streamer.
func NewStreamer(opts ...StreamerOption) *Streamer {
	s := &Streamer{
		subs:   make(map[string][]*subscriber),
		buffer: defaultSinkBuffer,
		logger: nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers a sink for a session's events. Events published after
// Subscribe returns are delivered to the sink in publish order (modulo
// drop-oldest under sustained slowness).
func (s *Streamer) Subscribe(sessionID string, sink Sink) {
	sub := newSubscriber(sessionID, sink, s.buffer)
	s.mu.Lock()
	s.subs[sessionID] = append(s.subs[sessionID], sub)
	s.mu.Unlock()
	go sub.pump()
}

// Unsubscribe removes a sink. The sink's pump drains and exits; events
// published after Unsubscribe returns are not delivered.
func (s *Streamer) Unsubscribe(sessionID string, sink Sink) {
	s.mu.Lock()
	subs := s.subs[sessionID]
	for i, sub := range subs {
		if sub.sink == sink {
			s.subs[sessionID] = append(subs[:i:i], subs[i+1:]...)
			if len(s.subs[sessionID]) == 0 {
				delete(s.subs, sessionID)
			}
			sub.close()
			break
		}
	}
	s.mu.Unlock()
}

// Publish fans an event out to the session's subscribers without blocking.
// Noise events (generic placeholders, cannot-answer sentinels) are dropped
// here. Missing IDs and timestamps are stamped.
func (s *Streamer) Publish(ev ActivityEvent) {
	if filtered(ev) {
		return
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = NowUnix()
	}
	s.mu.RLock()
	subs := s.subs[ev.SessionID]
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.push(ev)
	}
}

// filtered reports whether an event is UI noise.
func filtered(ev ActivityEvent) bool {
	if strings.HasPrefix(strings.ToLower(ev.Action), placeholderAction) {
		return true
	}
	return strings.Contains(ev.Details, cannotAnswerSentinel)
}

// subscriber owns one sink's bounded event queue and delivery pump.
type subscriber struct {
	sessionID string
	sink      Sink

	mu      sync.Mutex
	queue   []ActivityEvent
	cap     int
	dropped int
	closed  bool
	wake    chan struct{} // capacity 1, coalesced wakeups
}

func newSubscriber(sessionID string, sink Sink, buffer int) *subscriber {
	return &subscriber{
		sessionID: sessionID,
		sink:      sink,
		cap:       buffer,
		wake:      make(chan struct{}, 1),
	}
}

// push enqueues an event, evicting the oldest when full. Never blocks.
func (b *subscriber) push(ev ActivityEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.queue) >= b.cap {
		b.queue = b.queue[1:]
		b.dropped++
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *subscriber) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued events to the sink in order. When events were
// evicted, a single synthetic "dropped=N" event is delivered first and the
// counter resets, so repeated overflow coalesces into one marker per burst.
func (b *subscriber) pump() {
	for range b.wake {
		for {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			if len(b.queue) == 0 && b.dropped == 0 {
				b.mu.Unlock()
				break
			}
			var ev ActivityEvent
			if b.dropped > 0 {
				ev = ActivityEvent{
					ID:        NewID(),
					SessionID: b.sessionID,
					Action:    fmt.Sprintf("dropped=%d", b.dropped),
					Status:    StatusInProgress,
					CreatedAt: NowUnix(),
				}
				b.dropped = 0
			} else {
				ev = b.queue[0]
				b.queue = b.queue[1:]
			}
			b.mu.Unlock()
			b.sink.Deliver(ev)
		}
	}
}
