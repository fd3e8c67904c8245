package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by midibot components.
const (
	// NowPlayingChanged carries a coordinator.Playing; published only on actual change.
	NowPlayingChanged = "midi.now_playing"
	// RequestQueued carries a RequestInfo for every accepted chat request.
	RequestQueued = "midi.request_queued"
	// BarStarted carries a clock.BarEvent for every bar that reached the coordinator.
	BarStarted = "midi.bar"
	// ClockStateChanged carries a bool (running).
	ClockStateChanged = "midi.clock_state"
	// ConfigApplied carries the list of changed config sections.
	ConfigApplied = "config.applied"
)

// RequestInfo is the payload of RequestQueued.
type RequestInfo struct {
	Queue     string
	Turn      int64
	Tag       string
	Requester string
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Filter forwards only events whose Type is in types. The returned channel
// closes when in closes.
func Filter(in <-chan Event, types ...string) <-chan Event {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	out := make(chan Event, cap(in))
	go func() {
		defer close(out)
		for e := range in {
			if _, ok := want[e.Type]; !ok {
				continue
			}
			select {
			case out <- e:
			default:
			}
		}
	}()
	return out
}
