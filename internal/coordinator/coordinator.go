package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"midibot/internal/music"
	"midibot/internal/turnqueue"
	logx "midibot/pkg/logx"
)

type queue = turnqueue.Queue[music.Progression]

// Coordinator owns both lanes and decides, once per bar, what plays.
//
// All exported methods are safe for concurrent use. The mutex is never held
// while the trigger runs, so chat commands stay responsive during a bar and
// every step after the trigger re-reads state.
type Coordinator struct {
	mu sync.Mutex

	priority   *queue
	background *queue

	cfg          Config
	syncMode     SyncMode
	requestsOpen bool
	playing      *Playing

	trigger   Trigger
	aliases   Aliases
	onPlaying func(p Playing, ok bool)

	log logx.Logger
}

type Option func(*Coordinator)

// WithAliases enables SaveAsAlias.
func WithAliases(a Aliases) Option { return func(c *Coordinator) { c.aliases = a } }

// WithNowPlaying registers a callback fired after every change of the
// now-playing state. ok is false when nothing is playing anymore.
func WithNowPlaying(fn func(p Playing, ok bool)) Option {
	return func(c *Coordinator) { c.onPlaying = fn }
}

// WithClock overrides the time source of both queues.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.priority = turnqueue.New[music.Progression](turnqueue.WithNow(now))
		c.background = turnqueue.New[music.Progression](turnqueue.WithNow(now))
	}
}

func New(cfg Config, trigger Trigger, log logx.Logger, opts ...Option) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		priority:     turnqueue.New[music.Progression](),
		background:   turnqueue.New[music.Progression](),
		requestsOpen: true,
		trigger:      trigger,
		log:          log,
	}
	for _, o := range opts {
		o(c)
	}
	c.applyLocked(cfg)
	return c
}

// Apply swaps runtime settings. Queue contents are kept.
func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.applyLocked(cfg)
	c.mu.Unlock()
}

func (c *Coordinator) applyLocked(cfg Config) {
	cfg.RepetitionsPerLoop = max(cfg.RepetitionsPerLoop, 1)
	cfg.Channel &= 0x0f
	c.cfg = cfg
	c.priority.SetTimeout(cfg.RequestTimeout)
	c.background.SetTimeout(cfg.RequestTimeout)
}

func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Coordinator) queue(t QueueType) *queue {
	if t == Priority {
		return c.priority
	}
	return c.background
}

func validType(t QueueType) error {
	if t != Priority && t != Background {
		return fmt.Errorf("unknown queue type %q", t)
	}
	return nil
}

// ---- per-bar decision ----

// OnBar runs one bar decision. Priority is evaluated first; once it played,
// background is skipped for this bar.
func (c *Coordinator) OnBar(ctx context.Context) {
	if c.playLane(ctx, Priority) {
		return
	}
	c.playLane(ctx, Background)
}

// playLane plays the current request of t (if allowed) and advances the lane.
func (c *Coordinator) playLane(ctx context.Context, t QueueType) bool {
	var (
		payload music.Progression
		turn    turnqueue.Turn
		tag     string
		cfg     Config
		claimed bool
	)
	c.locked(func() func() {
		q := c.queue(t)
		turn = q.CurrentTurn()
		var ok bool
		if payload, ok = q.Current(); !ok {
			// A removed current turn must not wedge the lane.
			if q.Len() > 0 {
				q.Forward()
			}
			return noop
		}
		if t == Background && !c.priority.Exhausted() {
			return noop
		}
		tag, _ = q.CurrentTag()
		notify := c.setPlayingLocked(t, tag)
		q.MarkPlayed(turn)
		cfg = c.cfg
		claimed = true
		return notify
	})
	if !claimed {
		return false
	}

	if c.trigger != nil {
		err := c.trigger.Trigger(ctx, payload, cfg.Channel,
			TriggerOptions{AllowCustomTimeSignature: cfg.AllowCustomTimeSignature},
			cfg.TimeSignatureCC, t)
		if err != nil {
			c.log.Warn("trigger failed", logx.String("queue", string(t)), logx.Int64("turn", int64(turn)), logx.String("tag", tag), logx.Err(err))
		}
	}

	c.locked(func() func() { return c.forwardLocked(t, turn) })
	return true
}

// ForwardQueue applies the post-bar advancement rule to t.
func (c *Coordinator) ForwardQueue(t QueueType) {
	c.locked(func() func() { return c.forwardLocked(t, c.queue(t).CurrentTurn()) })
}

// locked runs fn under c.mu, then the notifier it returns once the lock is
// released. A panic in fn leaves the mutex unlocked.
func (c *Coordinator) locked(fn func() func()) {
	notify := func() func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		return fn()
	}()
	notify()
}

// forwardLocked advances t unless it must repeat. played is the turn the bar
// was decided on; if the cursor moved meanwhile the lane is left alone.
func (c *Coordinator) forwardLocked(t QueueType, played turnqueue.Turn) func() {
	q := c.queue(t)
	finished := q.CurrentTurn()
	if finished != played || c.mustRepeatLocked(t) {
		return noop
	}

	q.Forward()
	if err := q.Dequeue(finished); err != nil && !errors.Is(err, turnqueue.ErrRequestNotFound) {
		c.log.Warn("dequeue after bar failed", logx.String("queue", string(t)), logx.Int64("turn", int64(finished)), logx.Err(err))
	}

	if c.priority.Exhausted() && c.background.Exhausted() {
		return c.clearPlayingLocked()
	}
	return noop
}

func (c *Coordinator) mustRepeatLocked(t QueueType) bool {
	if t != Background {
		return false
	}
	q := c.background
	cur := q.CurrentTurn()
	if !q.Has(cur) {
		return false
	}
	if c.syncMode == SyncRepeat {
		return true
	}
	return !q.Has(q.NextTurn()) ||
		!c.requestsOpen ||
		!c.priority.Exhausted() ||
		q.Favorite() == cur ||
		q.Plays(cur) < c.cfg.RepetitionsPerLoop
}

// ---- now playing ----

func noop() {}

func (c *Coordinator) setPlayingLocked(t QueueType, tag string) func() {
	if tag == "" {
		return noop
	}
	if c.playing != nil && c.playing.Type == t && c.playing.Tag == tag {
		return noop
	}
	p := Playing{Type: t, Tag: tag}
	c.playing = &p
	return c.notifier(p, true)
}

func (c *Coordinator) clearPlayingLocked() func() {
	if c.playing == nil {
		return noop
	}
	c.playing = nil
	return c.notifier(Playing{}, false)
}

func (c *Coordinator) notifier(p Playing, ok bool) func() {
	fn := c.onPlaying
	if fn == nil {
		return noop
	}
	return func() { fn(p, ok) }
}

// CurrentlyPlaying returns the request currently sounding, if any.
func (c *Coordinator) CurrentlyPlaying() (Playing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing == nil {
		return Playing{}, false
	}
	return *c.playing, true
}

// ---- submissions ----

// Enqueue adds a request. Closed submissions reject non-privileged requesters.
func (c *Coordinator) Enqueue(t QueueType, tag string, p music.Progression, requester string, privileged bool) (turnqueue.Turn, error) {
	if err := validType(t); err != nil {
		return turnqueue.NoTurn, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.requestsOpen && !privileged {
		return turnqueue.NoTurn, ErrRequestsClosed
	}
	q := c.queue(t)
	if limit := c.cfg.MaxQueueLength; limit > 0 && q.Len() >= limit {
		return turnqueue.NoTurn, fmt.Errorf("%w: %d requests", ErrQueueFull, limit)
	}
	return q.Enqueue(tag, p, requester, privileged)
}

func (c *Coordinator) Dequeue(t QueueType, turn turnqueue.Turn) error {
	if err := validType(t); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue(t).Dequeue(turn)
}

func (c *Coordinator) DequeueLastByRequester(t QueueType, requester string) (turnqueue.Turn, error) {
	if err := validType(t); err != nil {
		return turnqueue.NoTurn, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue(t).DequeueLastByRequester(requester)
}

// DequeueLatestByRequester removes the requester's most recent request
// across both lanes.
func (c *Coordinator) DequeueLatestByRequester(requester string) (QueueType, turnqueue.Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		bestType QueueType
		best     turnqueue.Entry
		found    bool
	)
	for _, t := range QueueTypes {
		for _, e := range c.queue(t).Entries() {
			if e.Requester != requester {
				continue
			}
			if !found || !e.At.Before(best.At) {
				bestType, best, found = t, e, true
			}
		}
	}
	if !found {
		return "", turnqueue.NoTurn, fmt.Errorf("%w: no request from %q", ErrRequestNotFound, requester)
	}
	return bestType, best.Turn, c.queue(bestType).Dequeue(best.Turn)
}

// ClearQueue empties t. Now playing resets when it belonged to t.
func (c *Coordinator) ClearQueue(t QueueType) {
	c.locked(func() func() {
		c.queue(t).Clear()
		if c.playing != nil && c.playing.Type == t {
			return c.clearPlayingLocked()
		}
		return noop
	})
}

func (c *Coordinator) ClearAll() {
	c.locked(func() func() {
		c.priority.Clear()
		c.background.Clear()
		return c.clearPlayingLocked()
	})
}

// ---- favorites ----

func (c *Coordinator) MarkFavorite(t QueueType, turn turnqueue.Turn) error {
	if err := validType(t); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue(t).MarkFavorite(turn)
}

func (c *Coordinator) UnmarkFavorite(t QueueType) {
	c.mu.Lock()
	c.queue(t).UnmarkFavorite()
	c.mu.Unlock()
}

func (c *Coordinator) Favorite(t QueueType) turnqueue.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue(t).Favorite()
}

// ---- views ----

// ListQueue returns pending requests, priority first, from each lane's
// current turn through its tail.
func (c *Coordinator) ListQueue() []QueuedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []QueuedRequest
	for _, t := range QueueTypes {
		q := c.queue(t)
		cur, fav := q.CurrentTurn(), q.Favorite()
		for _, e := range q.Entries() {
			if e.Turn < cur || e.Tag == "" {
				continue
			}
			out = append(out, QueuedRequest{Type: t, Turn: e.Turn, Tag: e.Tag, Requester: e.Requester, Favorite: e.Turn == fav})
		}
	}
	return out
}

// Len returns the number of requests held by t.
func (c *Coordinator) Len(t QueueType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue(t).Len()
}

// CurrentTurn exposes the cursor of t.
func (c *Coordinator) CurrentTurn(t QueueType) turnqueue.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue(t).CurrentTurn()
}

// ---- aliases ----

// SaveAsAlias stores the request at turn under alias. Requests that are
// themselves an alias name are rejected.
func (c *Coordinator) SaveAsAlias(ctx context.Context, t QueueType, turn turnqueue.Turn, alias string) error {
	if c.aliases == nil {
		return ErrAliasesDisabled
	}
	if err := validType(t); err != nil {
		return err
	}
	c.mu.Lock()
	tag, ok := c.queue(t).TagAt(turn)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: turn %d", ErrRequestNotFound, turn)
	}

	exists, err := c.aliases.Exists(ctx, strings.ToLower(tag))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %q is already an alias", ErrAliasConflict, tag)
	}
	return c.aliases.Save(ctx, strings.ToLower(strings.TrimSpace(alias)), tag)
}

// ---- settings ----

func (c *Coordinator) SetSyncMode(m SyncMode) {
	c.mu.Lock()
	c.syncMode = m
	c.mu.Unlock()
}

func (c *Coordinator) SyncMode() SyncMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncMode
}

func (c *Coordinator) SetRequestsOpen(open bool) {
	c.mu.Lock()
	c.requestsOpen = open
	c.mu.Unlock()
}

func (c *Coordinator) RequestsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestsOpen
}

func (c *Coordinator) SetRequestTimeout(d time.Duration) {
	c.mu.Lock()
	c.cfg.RequestTimeout = d
	c.priority.SetTimeout(d)
	c.background.SetTimeout(d)
	c.mu.Unlock()
}

// Mode reports the lane the next bar will be decided on: Priority when a
// chord is pending, Background when a loop is, "" when both are idle.
func (c *Coordinator) Mode() QueueType {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range QueueTypes {
		q := c.queue(t)
		if q.Has(q.CurrentTurn()) {
			return t
		}
	}
	return ""
}
