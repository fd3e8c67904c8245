// Package midiout drives a MIDI output port: note playback for requests and
// realtime clock/transport messages for the clock generator.
package midiout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"midibot/internal/coordinator"
	"midibot/internal/music"
	logx "midibot/pkg/logx"
)

const (
	DefaultVelocity = 100
	DefaultTempo    = 120

	ccAllNotesOff = 123
)

var ErrNoPort = errors.New("no midi output port")

// Sender writes one message to the device.
type Sender func(midi.Message) error

type Option func(*Output)

func WithVelocity(v uint8) Option { return func(o *Output) { o.velocity = min(v, 127) } }

// WithSleep replaces the wait between note on and note off.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Output) { o.sleep = fn }
}

// Output serializes every message sent to one port. It implements both
// coordinator.Trigger and clock.Transport.
type Output struct {
	mu    sync.Mutex
	send  Sender
	close func() error
	name  string

	tempo    atomic.Int64
	velocity uint8
	sleep    func(ctx context.Context, d time.Duration) error

	// sounding tracks held notes per channel so AllNotesOff can release them.
	sounding map[uint8]map[uint8]struct{}

	log logx.Logger
}

func New(send Sender, log logx.Logger, opts ...Option) *Output {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Output{
		send:     send,
		velocity: DefaultVelocity,
		sleep:    sleepCtx,
		sounding: map[uint8]map[uint8]struct{}{},
		log:      log,
	}
	o.tempo.Store(DefaultTempo)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open finds the first port whose name contains match (case-insensitive)
// and opens it. An empty match picks the first port. A MIDI driver must be
// registered by the caller.
func Open(match string, log logx.Logger, opts ...Option) (*Output, error) {
	port, err := findPort(match)
	if err != nil {
		return nil, err
	}
	send, err := midi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", port.String(), err)
	}
	o := New(send, log, opts...)
	o.name = port.String()
	o.close = port.Close
	return o, nil
}

func findPort(match string) (drivers.Out, error) {
	ports := midi.GetOutPorts()
	if len(ports) == 0 {
		return nil, ErrNoPort
	}
	if match == "" {
		return ports[0], nil
	}
	want := strings.ToLower(match)
	for _, p := range ports {
		if strings.Contains(strings.ToLower(p.String()), want) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w matching %q", ErrNoPort, match)
}

// Ports lists the output port names of the registered driver.
func Ports() []string {
	var out []string
	for _, p := range midi.GetOutPorts() {
		out = append(out, p.String())
	}
	return out
}

func (o *Output) Name() string { return o.name }

// SetTempo sets the tempo used to turn beats into note durations.
func (o *Output) SetTempo(bpm int) {
	if bpm > 0 {
		o.tempo.Store(int64(bpm))
	}
}

// BeatDuration is the length of one quarter note at the current tempo.
func (o *Output) BeatDuration() time.Duration {
	return time.Duration(int64(time.Minute) / o.tempo.Load())
}

func (o *Output) write(msg midi.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.send(msg)
}

// ---- clock.Transport ----

func (o *Output) Clock() error { return o.write(midi.TimingClock()) }
func (o *Output) Start() error { return o.write(midi.Start()) }
func (o *Output) Stop() error  { return o.write(midi.Stop()) }

// ---- coordinator.Trigger ----

// Trigger plays p on channel and returns once the last chord was released.
// Cancelling ctx releases the held chord and returns the context error.
func (o *Output) Trigger(ctx context.Context, p music.Progression, channel uint8, opts coordinator.TriggerOptions, cc music.TimeSignatureCC, t coordinator.QueueType) error {
	if len(p.Chords) == 0 {
		return music.ErrEmpty
	}
	channel &= 0x0f

	if opts.AllowCustomTimeSignature && p.TimeSignature.Numerator > 0 {
		if err := o.sendTimeSignature(channel, cc, p.TimeSignature); err != nil {
			return err
		}
	}

	for _, chord := range p.Chords {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.noteOn(channel, chord.Notes); err != nil {
			o.noteOff(channel, chord.Notes)
			return fmt.Errorf("%s note on: %w", t, err)
		}
		d := time.Duration(chord.Beats * float64(o.BeatDuration()))
		waitErr := o.sleep(ctx, d)
		if err := o.noteOff(channel, chord.Notes); err != nil {
			return fmt.Errorf("%s note off: %w", t, err)
		}
		if waitErr != nil {
			return waitErr
		}
	}
	return nil
}

func (o *Output) sendTimeSignature(channel uint8, cc music.TimeSignatureCC, ts music.TimeSignature) error {
	if err := o.write(midi.ControlChange(channel, cc.Numerator, ts.Numerator)); err != nil {
		return fmt.Errorf("time signature numerator: %w", err)
	}
	if err := o.write(midi.ControlChange(channel, cc.Denominator, ts.Denominator)); err != nil {
		return fmt.Errorf("time signature denominator: %w", err)
	}
	return nil
}

func (o *Output) noteOn(channel uint8, notes []uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	held := o.sounding[channel]
	if held == nil {
		held = map[uint8]struct{}{}
		o.sounding[channel] = held
	}
	for _, n := range notes {
		if err := o.send(midi.NoteOn(channel, n, o.velocity)); err != nil {
			return err
		}
		held[n] = struct{}{}
	}
	return nil
}

func (o *Output) noteOff(channel uint8, notes []uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var first error
	for _, n := range notes {
		if err := o.send(midi.NoteOff(channel, n)); err != nil && first == nil {
			first = err
		}
		delete(o.sounding[channel], n)
	}
	return first
}

// AllNotesOff releases every held note and sends the all-notes-off
// controller on channel.
func (o *Output) AllNotesOff(channel uint8) error {
	channel &= 0x0f
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for n := range o.sounding[channel] {
		errs = append(errs, o.send(midi.NoteOff(channel, n)))
	}
	delete(o.sounding, channel)
	errs = append(errs, o.send(midi.ControlChange(channel, ccAllNotesOff, 0)))
	return errors.Join(errs...)
}

// Close releases the port. Outputs built with New have nothing to close.
func (o *Output) Close() error {
	if o.close == nil {
		return nil
	}
	o.log.Info("closing midi output", logx.String("port", o.name))
	return o.close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
