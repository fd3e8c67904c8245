// Package performance ties the clock generator, the queue coordinator and the
// MIDI device into the single object the rest of midibot talks to.
package performance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"midibot/internal/clock"
	"midibot/internal/config"
	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	"midibot/internal/runtime/supervisor"
	logx "midibot/pkg/logx"
)

var ErrInvalidTempo = fmt.Errorf("tempo must be between %d and %d", config.MinTempo, config.MaxTempo)

// Device is the realtime side of the output plus the controls the
// scheduler needs around it.
type Device interface {
	clock.Transport
	AllNotesOff(channel uint8) error
	SetTempo(bpm int)
}

type Config struct {
	Tempo int
	// Channel is 0-based.
	Channel uint8
}

// Scheduler owns the clock and hands every bar to the coordinator. While a
// bar is being played the in-flight latch suppresses further bar events;
// clock pulses keep flowing.
type Scheduler struct {
	coord *coordinator.Coordinator
	gen   *clock.Generator
	dev   Device
	bus   eventbus.Bus
	sup   *supervisor.Supervisor
	log   logx.Logger

	inFlight atomic.Bool
	bars     atomic.Uint64

	mu      sync.Mutex
	tempo   int
	channel uint8
}

func New(coord *coordinator.Coordinator, dev Device, bus eventbus.Bus, sup *supervisor.Supervisor, cfg Config, log logx.Logger) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tempo == 0 {
		cfg.Tempo = config.DefaultTempo
	}
	if err := checkTempo(cfg.Tempo); err != nil {
		return nil, err
	}
	s := &Scheduler{
		coord:   coord,
		dev:     dev,
		bus:     bus,
		sup:     sup,
		log:     log,
		tempo:   cfg.Tempo,
		channel: cfg.Channel & 0x0f,
	}
	dev.SetTempo(cfg.Tempo)
	s.gen = clock.New(dev, clock.Config{
		OnBar:    s.onBar,
		InFlight: s.inFlight.Load,
		Mode:     func() string { return string(coord.Mode()) },
	}, log.With(logx.String("comp", "clock")))
	return s, nil
}

func checkTempo(bpm int) error {
	if bpm < config.MinTempo || bpm > config.MaxTempo {
		return fmt.Errorf("%w: %d", ErrInvalidTempo, bpm)
	}
	return nil
}

// NowPlayingPublisher adapts coordinator now-playing callbacks to bus events.
func NowPlayingPublisher(bus eventbus.Bus) func(coordinator.Playing, bool) {
	return func(p coordinator.Playing, ok bool) {
		if bus == nil {
			return
		}
		var data any
		if ok {
			data = p
		}
		bus.Publish(eventbus.Event{Type: eventbus.NowPlayingChanged, Data: data})
	}
}

func (s *Scheduler) Coordinator() *coordinator.Coordinator { return s.coord }

// onBar runs on the clock goroutine and must not block.
func (s *Scheduler) onBar(ev clock.BarEvent) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	s.bars.Add(1)
	s.publish(eventbus.BarStarted, ev)

	run := func(ctx context.Context) {
		defer s.inFlight.Store(false)
		s.coord.OnBar(ctx)
	}
	if s.sup != nil {
		s.sup.Go0("bar", run)
		return
	}
	go run(context.Background())
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Start releases hanging notes and (re)starts the clock at the current tempo.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	tempo, ch := s.tempo, s.channel
	s.mu.Unlock()

	if err := s.dev.AllNotesOff(ch); err != nil {
		s.log.Warn("all notes off failed", logx.Err(err))
	}
	if err := s.gen.Start(tempo); err != nil {
		return err
	}
	s.publish(eventbus.ClockStateChanged, true)
	return nil
}

// Stop halts the clock and sends transport stop. Queues are kept.
func (s *Scheduler) Stop() error {
	s.gen.Stop()
	err := s.dev.Stop()
	s.publish(eventbus.ClockStateChanged, false)
	return err
}

// Sync restarts the clock so the device realigns to bar one.
func (s *Scheduler) Sync() error { return s.Start() }

// FullStop empties both queues, stops the clock and silences the channel.
func (s *Scheduler) FullStop() error {
	s.coord.ClearAll()
	s.gen.Stop()
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	err := errors.Join(s.dev.Stop(), s.dev.AllNotesOff(ch))
	s.publish(eventbus.ClockStateChanged, false)
	return err
}

// SetTempo changes the tempo and restarts a running clock.
func (s *Scheduler) SetTempo(bpm int) error {
	if err := checkTempo(bpm); err != nil {
		return err
	}
	s.mu.Lock()
	changed := s.tempo != bpm
	s.tempo = bpm
	s.mu.Unlock()

	s.dev.SetTempo(bpm)
	if changed && s.gen.IsActive() {
		return s.Start()
	}
	return nil
}

func (s *Scheduler) Tempo() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempo
}

// SetChannel changes the channel used for all-notes-off.
func (s *Scheduler) SetChannel(ch uint8) {
	s.mu.Lock()
	s.channel = ch & 0x0f
	s.mu.Unlock()
}

func (s *Scheduler) IsActive() bool { return s.gen.IsActive() }
func (s *Scheduler) Syncing() bool  { return s.gen.Syncing() }
func (s *Scheduler) InFlight() bool { return s.inFlight.Load() }

// Bars counts bars handed to the coordinator since boot.
func (s *Scheduler) Bars() uint64 { return s.bars.Load() }

// Status is a snapshot for the status command.
type Status struct {
	Active       bool
	Syncing      bool
	Tempo        int
	Bars         uint64
	SyncMode     coordinator.SyncMode
	RequestsOpen bool
	Playing      *coordinator.Playing
}

func (s *Scheduler) Status() Status {
	st := Status{
		Active:       s.gen.IsActive(),
		Syncing:      s.gen.Syncing(),
		Tempo:        s.Tempo(),
		Bars:         s.bars.Load(),
		SyncMode:     s.coord.SyncMode(),
		RequestsOpen: s.coord.RequestsOpen(),
	}
	if p, ok := s.coord.CurrentlyPlaying(); ok {
		st.Playing = &p
	}
	return st
}

// Close stops the clock and waits up to the context deadline for the bar
// in flight to finish.
func (s *Scheduler) Close(ctx context.Context) error {
	s.gen.Stop()
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for s.inFlight.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	return errors.Join(s.dev.Stop(), s.dev.AllNotesOff(ch))
}
