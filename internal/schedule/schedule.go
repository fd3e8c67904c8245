// Package schedule runs configured operator actions on cron schedules, such
// as opening requests before a stream and clearing loops afterwards.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"midibot/internal/config"
	logx "midibot/pkg/logx"
)

const defaultJobTimeout = 30 * time.Second

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrUnknownJob    = errors.New("unknown job")
)

// Action is one named operation a job can run.
type Action func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	action  string
	timeout time.Duration
	id      cron.EntryID
}

// Service owns one cron runner. Apply may be called at any time.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	parser  cron.Parser
	actions map[string]Action

	enabled bool
	loc     *time.Location
	jobs    map[string]*job
	c       *cron.Cron
	ctx     context.Context
}

func New(actions map[string]Action, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	acts := make(map[string]Action, len(actions))
	for k, v := range actions {
		acts[k] = v
	}
	return &Service{
		log:     log,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		actions: acts,
		loc:     time.Local,
		jobs:    map[string]*job{},
	}
}

// Apply replaces the job set. A nil or disabled config removes all jobs.
// Nothing changes when any job is invalid.
func (s *Service) Apply(cfg *config.ScheduleConfig) error {
	loc := time.Local
	next := map[string]*job{}
	enabled := cfg != nil && cfg.Enabled
	if enabled {
		if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("schedule: timezone: %w", err)
			}
			loc = l
		}
		for _, j := range cfg.Jobs {
			name := strings.TrimSpace(j.Name)
			if _, err := s.parser.Parse(j.Spec); err != nil {
				return fmt.Errorf("schedule: job %q: %w", name, err)
			}
			action := strings.TrimSpace(j.Action)
			if _, ok := s.actions[action]; !ok {
				return fmt.Errorf("%w: job %q: %q", ErrUnknownAction, name, action)
			}
			timeout, err := config.ParseDurationOrDefault("schedule.jobs."+name+".timeout", j.Timeout, defaultJobTimeout)
			if err != nil {
				return err
			}
			next[name] = &job{name: name, spec: strings.TrimSpace(j.Spec), action: action, timeout: timeout}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	relocate := loc.String() != s.loc.String()
	s.enabled, s.loc, s.jobs = enabled, loc, next
	if s.c == nil {
		return nil
	}
	if relocate {
		s.stopCronLocked()
		s.startCronLocked()
		return nil
	}
	for _, e := range s.c.Entries() {
		s.c.Remove(e.ID)
	}
	s.registerLocked()
	return nil
}

// Start runs the cron loop until Stop or until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startCronLocked()
	s.log.Info("schedule started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule stopped")
}

func (s *Service) startCronLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	s.registerLocked()
	s.c.Start()
}

func (s *Service) stopCronLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
}

func (s *Service) registerLocked() {
	if !s.enabled {
		return
	}
	for _, j := range s.jobs {
		j := j
		id, err := s.c.AddFunc(j.spec, func() { _ = s.run(j) })
		if err != nil {
			// Specs were parsed in Apply.
			s.log.Error("schedule add failed", logx.String("job", j.name), logx.Err(err))
			continue
		}
		j.id = id
	}
}

// RunNow executes a configured job immediately.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.run(j)
}

func (s *Service) run(j *job) (err error) {
	s.mu.Lock()
	parent := s.ctx
	act := s.actions[j.action]
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, j.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduled job", logx.String("job", j.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = act(ctx)
	fields := []logx.Field{logx.String("job", j.name), logx.String("action", j.action), logx.Duration("dur", time.Since(start))}
	if err != nil {
		s.log.Warn("scheduled job failed", append(fields, logx.Err(err))...)
		return err
	}
	s.log.Info("scheduled job done", fields...)
	return nil
}

// Entry describes one registered job.
type Entry struct {
	Name   string
	Action string
	Next   time.Time
}

// Entries lists registered jobs sorted by name. Next is zero when stopped.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{Name: j.name, Action: j.action}
		if s.c != nil && j.id != 0 {
			e.Next = s.c.Entry(j.id).Next
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// cronLogger routes cron's own messages to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
