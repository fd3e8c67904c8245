package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Limits accepted by Validate and by the runtime setters that mirror them.
const (
	MinTempo              = 35
	MaxTempo              = 400
	DefaultTempo          = 120
	MaxRequestTimeout     = 86400 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	MinRepetitionsPerLoop = 1
	MaxRepetitionsPerLoop = 32
	DefaultMaxQueueLength = 100
	DefaultNumeratorCC    = 14
	DefaultDenominatorCC  = 15
)

var knownActions = map[string]struct{}{
	"open_requests":  {},
	"close_requests": {},
	"clear_chords":   {},
	"clear_loops":    {},
	"clear_all":      {},
	"announce_queue": {},
	"sync":           {},
	"start_clock":    {},
	"stop_clock":     {},
}

// Validate checks value ranges. Zero values are accepted and later replaced by defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	m := c.MIDI
	if m.Channel < 0 || m.Channel > 16 {
		errs = append(errs, fmt.Errorf("midi.channel: %d out of range 1..16", m.Channel))
	}
	if m.Tempo != 0 && (m.Tempo < MinTempo || m.Tempo > MaxTempo) {
		errs = append(errs, fmt.Errorf("midi.tempo: %d out of range %d..%d", m.Tempo, MinTempo, MaxTempo))
	}
	for name, cc := range map[string]int{"numerator": m.TimeSignatureCC.Numerator, "denominator": m.TimeSignatureCC.Denominator} {
		if cc < 0 || cc > 127 {
			errs = append(errs, fmt.Errorf("midi.time_signature_cc.%s: %d out of range 0..127", name, cc))
		}
	}

	q := c.Queue
	if d, err := ParseDurationField("queue.request_timeout", q.RequestTimeout); err != nil {
		errs = append(errs, err)
	} else if d > MaxRequestTimeout {
		errs = append(errs, fmt.Errorf("queue.request_timeout: %s exceeds %s", d, MaxRequestTimeout))
	}
	if q.RepetitionsPerLoop != 0 && (q.RepetitionsPerLoop < MinRepetitionsPerLoop || q.RepetitionsPerLoop > MaxRepetitionsPerLoop) {
		errs = append(errs, fmt.Errorf("queue.repetitions_per_loop: %d out of range %d..%d", q.RepetitionsPerLoop, MinRepetitionsPerLoop, MaxRepetitionsPerLoop))
	}
	if q.MaxLength < 0 {
		errs = append(errs, fmt.Errorf("queue.max_length: must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(q.SyncMode)) {
	case "", "off", "repeat":
	default:
		errs = append(errs, fmt.Errorf("queue.sync_mode: unknown mode %q", q.SyncMode))
	}

	if s := c.Schedule; s != nil && s.Enabled {
		if strings.TrimSpace(s.Timezone) != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
			}
		}
		seen := map[string]struct{}{}
		for i, j := range s.Jobs {
			name := strings.TrimSpace(j.Name)
			if name == "" {
				errs = append(errs, fmt.Errorf("schedule.jobs[%d].name: required", i))
			} else if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("schedule.jobs[%d].name: duplicate %q", i, name))
			}
			seen[name] = struct{}{}
			if strings.TrimSpace(j.Spec) == "" {
				errs = append(errs, fmt.Errorf("schedule.jobs[%d].spec: required", i))
			}
			if _, ok := knownActions[strings.TrimSpace(j.Action)]; !ok {
				errs = append(errs, fmt.Errorf("schedule.jobs[%d].action: unknown action %q", i, j.Action))
			}
			if _, err := ParseDurationField(fmt.Sprintf("schedule.jobs[%d].timeout", i), j.Timeout); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if o := c.Overlay; o != nil && o.Enabled {
		if o.Port <= 0 || o.Port > 65535 {
			errs = append(errs, fmt.Errorf("overlay.port: %d out of range", o.Port))
		}
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
