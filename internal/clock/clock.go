// Package clock generates MIDI beat clock at 24 pulses per quarter note and
// raises a bar event once every 96 pulses.
package clock

import (
	"errors"
	"sync"
	"time"

	logx "midibot/pkg/logx"
)

const (
	PulsesPerQuarter = 24
	PulsesPerBar     = 4 * PulsesPerQuarter
)

var ErrInvalidTempo = errors.New("tempo must be positive")

// Transport is the realtime side of a MIDI output.
type Transport interface {
	Clock() error
	Start() error
	Stop() error
}

// BarEvent is raised on the first pulse of every bar that is not suppressed
// by the in-flight latch.
type BarEvent struct {
	Seq  uint64
	At   time.Time
	Mode string
}

type Config struct {
	// OnBar runs on the clock goroutine. It must return quickly.
	OnBar func(BarEvent)
	// InFlight suppresses bar events while it reports true.
	InFlight func() bool
	// Mode labels the bar with the lane that is about to be decided.
	Mode func() string

	Now func() time.Time
}

// Generator sends clock pulses to a Transport from a time.Ticker. The period
// is re-armed at the nominal interval; drift is not corrected.
type Generator struct {
	// lifecycle serializes Start and Stop so at most one ticker runs.
	lifecycle sync.Mutex

	mu  sync.Mutex
	tr  Transport
	cfg Config
	log logx.Logger

	interval  time.Duration
	tick      int
	sentStart bool
	syncing   bool
	seq       uint64

	ticker *time.Ticker
	quit   chan struct{}
	done   chan struct{}
}

func New(tr Transport, cfg Config, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{tr: tr, cfg: cfg, log: log}
}

// Interval returns the pulse period for tempo.
func Interval(tempo int) time.Duration {
	if tempo <= 0 {
		return 0
	}
	return time.Duration(int64(60_000_000_000) / int64(tempo) / PulsesPerQuarter)
}

// Start (re)starts the clock at tempo. A transport stop is sent first so
// the device resets; transport start goes out on the first pulse.
func (g *Generator) Start(tempo int) error {
	if tempo <= 0 {
		return ErrInvalidTempo
	}
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	g.stop()

	interval := Interval(tempo)
	g.mu.Lock()
	g.interval = interval
	g.tick = 0
	g.sentStart = false
	g.syncing = true
	if err := g.tr.Stop(); err != nil {
		g.log.Warn("transport reset failed", logx.Err(err))
	}
	ticker := time.NewTicker(interval)
	quit, done := make(chan struct{}), make(chan struct{})
	g.ticker, g.quit, g.done = ticker, quit, done
	g.mu.Unlock()

	g.log.Info("clock started", logx.Int("tempo", tempo), logx.Duration("interval", interval))
	go g.run(ticker, quit, done)
	return nil
}

func (g *Generator) run(ticker *time.Ticker, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			g.step()
		}
	}
}

// step handles one pulse.
func (g *Generator) step() {
	g.mu.Lock()
	if !g.sentStart {
		g.sentStart = true
		if err := g.tr.Start(); err != nil {
			g.log.Warn("transport start failed", logx.Err(err))
		}
	}
	g.tick = (g.tick + 1) % PulsesPerBar
	tick := g.tick
	if err := g.tr.Clock(); err != nil {
		g.log.Debug("clock pulse failed", logx.Err(err))
	}

	var (
		ev   BarEvent
		fire bool
	)
	if tick == 1 && (g.cfg.InFlight == nil || !g.cfg.InFlight()) {
		g.seq++
		g.syncing = false
		ev = BarEvent{Seq: g.seq, At: g.cfg.Now()}
		if g.cfg.Mode != nil {
			ev.Mode = g.cfg.Mode()
		}
		fire = g.cfg.OnBar != nil
	}
	g.mu.Unlock()

	if fire {
		g.cfg.OnBar(ev)
	}
}

// Stop cancels the ticker and waits for the clock goroutine to exit. The
// generator reports Syncing until the first bar after the next Start.
func (g *Generator) Stop() {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	g.stop()
}

func (g *Generator) stop() {
	g.mu.Lock()
	ticker, quit, done := g.ticker, g.quit, g.done
	g.ticker, g.quit, g.done = nil, nil, nil
	g.syncing = true
	g.tick = 0
	g.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(quit)
	<-done
	g.log.Info("clock stopped")
}

func (g *Generator) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ticker != nil
}

// Syncing reports whether the clock is waiting for its first bar.
func (g *Generator) Syncing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.syncing
}

func (g *Generator) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// Tick returns the pulse position inside the bar (0..95).
func (g *Generator) Tick() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tick
}
