package ensemble

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// collectSink records delivered events and can be made arbitrarily slow.
type collectSink struct {
	mu     sync.Mutex
	events []ActivityEvent
	delay  time.Duration
	gate   chan struct{} // when non-nil, Deliver blocks until closed
}

func (s *collectSink) Deliver(ev ActivityEvent) {
	if s.gate != nil {
		<-s.gate
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *collectSink) snapshot() []ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]ActivityEvent, len(s.events))
	copy(cp, s.events)
	return cp
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStreamerDeliversInPublishOrder(t *testing.T) {
	st := NewStreamer()
	sink := &collectSink{}
	st.Subscribe("s1", sink)
	defer st.Unsubscribe("s1", sink)

	for i := 0; i < 20; i++ {
		st.Publish(ActivityEvent{SessionID: "s1", Agent: "db", Action: "query", Status: StatusInProgress, Details: string(rune('a' + i))})
	}
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) == 20 })
	got := sink.snapshot()
	for i, ev := range got {
		if ev.Details != string(rune('a'+i)) {
			t.Fatalf("event %d out of order: %q", i, ev.Details)
		}
		if ev.ID == "" || ev.CreatedAt == 0 {
			t.Fatal("events must be stamped with id and timestamp")
		}
	}
}

func TestStreamerIsolatesSessions(t *testing.T) {
	st := NewStreamer()
	a, b := &collectSink{}, &collectSink{}
	st.Subscribe("a", a)
	st.Subscribe("b", b)
	st.Publish(ActivityEvent{SessionID: "a", Action: "work", Status: StatusStarting})
	waitFor(t, time.Second, func() bool { return len(a.snapshot()) == 1 })
	if len(b.snapshot()) != 0 {
		t.Fatal("session b received session a's event")
	}
}

func TestStreamerDropsOldestAndCoalesces(t *testing.T) {
	st := NewStreamer(WithSinkBuffer(4))
	gate := make(chan struct{})
	sink := &collectSink{gate: gate}
	st.Subscribe("s", sink)

	// Sink is gated shut; publish well past the buffer.
	for i := 0; i < 12; i++ {
		st.Publish(ActivityEvent{SessionID: "s", Action: "step", Status: StatusInProgress, Details: string(rune('a' + i))})
	}
	close(gate)

	// Pump may have pulled one event before the gate closed, so expect the
	// drop marker plus the surviving tail.
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 4 })
	time.Sleep(20 * time.Millisecond)
	got := sink.snapshot()

	var dropMarkers, steps int
	for _, ev := range got {
		if strings.HasPrefix(ev.Action, "dropped=") {
			dropMarkers++
		} else {
			steps++
		}
	}
	if dropMarkers != 1 {
		t.Fatalf("want exactly one coalesced drop marker, got %d (%v)", dropMarkers, got)
	}
	if steps >= 12 {
		t.Fatal("expected some events to be dropped")
	}
	// Survivors must be a contiguous suffix-ordered subsequence.
	var last rune
	for _, ev := range got {
		if ev.Action != "step" {
			continue
		}
		r := rune(ev.Details[0])
		if last != 0 && r <= last {
			t.Fatalf("survivors out of order: %v", got)
		}
		last = r
	}
}

func TestStreamerPublishNeverBlocks(t *testing.T) {
	st := NewStreamer(WithSinkBuffer(2))
	gate := make(chan struct{})
	defer close(gate)
	st.Subscribe("s", &collectSink{gate: gate})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1_000; i++ {
			st.Publish(ActivityEvent{SessionID: "s", Action: "spin", Status: StatusInProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled sink")
	}
}

func TestStreamerFiltersNoise(t *testing.T) {
	st := NewStreamer()
	sink := &collectSink{}
	st.Subscribe("s", sink)
	st.Publish(ActivityEvent{SessionID: "s", Action: "Analyzing request...", Status: StatusInProgress})
	st.Publish(ActivityEvent{SessionID: "s", Action: "answer", Status: StatusCompleted, Details: "prefix " + cannotAnswerSentinel})
	st.Publish(ActivityEvent{SessionID: "s", Action: "real work", Status: StatusCompleted})
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })
	if got := sink.snapshot()[0].Action; got != "real work" {
		t.Fatalf("wrong survivor: %q", got)
	}
}

func TestStreamerUnsubscribeStopsDelivery(t *testing.T) {
	st := NewStreamer()
	sink := &collectSink{}
	st.Subscribe("s", sink)
	st.Publish(ActivityEvent{SessionID: "s", Action: "one", Status: StatusCompleted})
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })
	st.Unsubscribe("s", sink)
	st.Publish(ActivityEvent{SessionID: "s", Action: "two", Status: StatusCompleted})
	time.Sleep(20 * time.Millisecond)
	if len(sink.snapshot()) != 1 {
		t.Fatal("event delivered after unsubscribe")
	}
}
