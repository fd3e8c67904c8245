package performance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"midibot/internal/clock"
	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	"midibot/internal/music"
	logx "midibot/pkg/logx"
)

type fakeDevice struct {
	mu      sync.Mutex
	events  []string
	tempo   int
	release chan struct{}
	played  []QueueTag
}

type QueueTag struct {
	Type coordinator.QueueType
	N    int
}

func newFakeDevice() *fakeDevice { return &fakeDevice{} }

func (d *fakeDevice) record(s string) {
	d.mu.Lock()
	d.events = append(d.events, s)
	d.mu.Unlock()
}

func (d *fakeDevice) Clock() error               { return nil }
func (d *fakeDevice) Start() error               { d.record("start"); return nil }
func (d *fakeDevice) Stop() error                { d.record("stop"); return nil }
func (d *fakeDevice) AllNotesOff(ch uint8) error { d.record("notes-off"); return nil }
func (d *fakeDevice) SetTempo(bpm int)           { d.mu.Lock(); d.tempo = bpm; d.mu.Unlock() }

func (d *fakeDevice) Trigger(ctx context.Context, p music.Progression, ch uint8, _ coordinator.TriggerOptions, _ music.TimeSignatureCC, t coordinator.QueueType) error {
	d.mu.Lock()
	d.played = append(d.played, QueueTag{Type: t, N: len(p.Chords)})
	release := d.release
	d.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *fakeDevice) snapshot() ([]string, []QueueTag, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...), append([]QueueTag(nil), d.played...), d.tempo
}

func newScheduler(t *testing.T, dev *fakeDevice, bus eventbus.Bus) (*Scheduler, *coordinator.Coordinator) {
	t.Helper()
	coord := coordinator.New(coordinator.Config{}, dev, logx.Nop(), coordinator.WithNowPlaying(NowPlayingPublisher(bus)))
	s, err := New(coord, dev, bus, nil, Config{Tempo: 120}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, coord
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustParse(t *testing.T, s string) music.Progression {
	t.Helper()
	p, err := music.Parse(s, music.DefaultChordBeats)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return p
}

func TestOnBar_LatchDropsOverlappingBars(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice()
	dev.release = make(chan struct{})
	s, coord := newScheduler(t, dev, nil)

	if _, err := coord.Enqueue(coordinator.Priority, "C4", mustParse(t, "C4"), "alice", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := coord.Enqueue(coordinator.Priority, "D4", mustParse(t, "D4"), "bob", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.onBar(clock.BarEvent{Seq: 1})
	waitFor(t, "first trigger", func() bool { _, played, _ := dev.snapshot(); return len(played) == 1 })
	if !s.InFlight() {
		t.Fatalf("latch must be set while the trigger runs")
	}

	s.onBar(clock.BarEvent{Seq: 2}) // dropped
	close(dev.release)
	waitFor(t, "latch release", func() bool { return !s.InFlight() })

	_, played, _ := dev.snapshot()
	if len(played) != 1 {
		t.Fatalf("overlapping bar must not play, got %d triggers", len(played))
	}

	s.onBar(clock.BarEvent{Seq: 3})
	waitFor(t, "second trigger", func() bool { _, played, _ := dev.snapshot(); return len(played) == 2 })
	if s.Bars() != 2 {
		t.Fatalf("bars=%d want 2", s.Bars())
	}
}

func TestSetTempo(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice()
	s, _ := newScheduler(t, dev, nil)

	for _, bpm := range []int{34, 401, 0} {
		if err := s.SetTempo(bpm); !errors.Is(err, ErrInvalidTempo) {
			t.Fatalf("SetTempo(%d) err=%v", bpm, err)
		}
	}
	if err := s.SetTempo(90); err != nil {
		t.Fatalf("SetTempo: %v", err)
	}
	if _, _, tempo := dev.snapshot(); tempo != 90 || s.Tempo() != 90 {
		t.Fatalf("tempo not applied: device=%d scheduler=%d", tempo, s.Tempo())
	}
	if s.IsActive() {
		t.Fatalf("SetTempo must not start a stopped clock")
	}

	if _, err := New(coordinator.New(coordinator.Config{}, dev, logx.Nop()), dev, nil, nil, Config{Tempo: 500}, logx.Nop()); !errors.Is(err, ErrInvalidTempo) {
		t.Fatalf("New with tempo 500 err=%v", err)
	}
}

func TestStartStopPublishesClockState(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	states := eventbus.Filter(ch, eventbus.ClockStateChanged)

	dev := newFakeDevice()
	s, _ := newScheduler(t, dev, bus)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsActive() || !s.Syncing() {
		t.Fatalf("want active and syncing")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for _, want := range []bool{true, false} {
		select {
		case ev := <-states:
			if ev.Data != want {
				t.Fatalf("clock state %v want %v", ev.Data, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing clock state event")
		}
	}

	events, _, _ := dev.snapshot()
	if len(events) < 3 || events[0] != "notes-off" || events[1] != "stop" {
		t.Fatalf("start must silence then reset the device, got %v", events)
	}
	if events[len(events)-1] != "stop" {
		t.Fatalf("Stop must send transport stop, got %v", events)
	}
}

func TestFullStop(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	nowPlaying := eventbus.Filter(ch, eventbus.NowPlayingChanged)

	dev := newFakeDevice()
	s, coord := newScheduler(t, dev, bus)
	if _, err := coord.Enqueue(coordinator.Background, "C4", mustParse(t, "C4"), "alice", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.onBar(clock.BarEvent{Seq: 1})
	waitFor(t, "bar", func() bool { return !s.InFlight() && coord.Len(coordinator.Background) == 1 })

	if err := s.FullStop(); err != nil {
		t.Fatalf("FullStop: %v", err)
	}
	if coord.Len(coordinator.Background) != 0 {
		t.Fatalf("queues must be cleared")
	}
	events, _, _ := dev.snapshot()
	if n := len(events); n < 2 || events[n-2] != "stop" || events[n-1] != "notes-off" {
		t.Fatalf("want stop then notes-off, got %v", events)
	}

	var got []any
	for len(got) < 2 {
		select {
		case ev := <-nowPlaying:
			got = append(got, ev.Data)
		case <-time.After(time.Second):
			t.Fatalf("now playing events: %v", got)
		}
	}
	if p, ok := got[0].(coordinator.Playing); !ok || p.Tag != "C4" {
		t.Fatalf("first now playing=%v", got[0])
	}
	if got[1] != nil {
		t.Fatalf("second now playing=%v want nil", got[1])
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s, coord := newScheduler(t, newFakeDevice(), nil)
	coord.SetRequestsOpen(false)
	st := s.Status()
	if st.Active || st.Tempo != 120 || st.RequestsOpen || st.Playing != nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestClose_WaitsForBar(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice()
	dev.release = make(chan struct{})
	s, coord := newScheduler(t, dev, nil)
	if _, err := coord.Enqueue(coordinator.Priority, "C4", mustParse(t, "C4"), "alice", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.onBar(clock.BarEvent{Seq: 1})
	waitFor(t, "trigger", func() bool { _, played, _ := dev.snapshot(); return len(played) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err=%v want deadline", err)
	}

	close(dev.release)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
