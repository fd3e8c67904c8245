package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"midibot/internal/music"
	"midibot/internal/turnqueue"
	logx "midibot/pkg/logx"
)

type playCall struct {
	Type QueueType
	Note uint8
}

type fakeTrigger struct {
	mu     sync.Mutex
	calls  []playCall
	err    error
	during func()
}

func (f *fakeTrigger) Trigger(ctx context.Context, p music.Progression, channel uint8, opts TriggerOptions, cc music.TimeSignatureCC, t QueueType) error {
	f.mu.Lock()
	f.calls = append(f.calls, playCall{Type: t, Note: p.Chords[0].Notes[0]})
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return f.err
}

func (f *fakeTrigger) Calls() []playCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]playCall(nil), f.calls...)
}

type notifications struct {
	mu  sync.Mutex
	got []string
}

func (n *notifications) record(p Playing, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !ok {
		n.got = append(n.got, "<none>")
		return
	}
	n.got = append(n.got, string(p.Type)+":"+p.Tag)
}

func (n *notifications) List() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.got...)
}

func prog(note uint8) music.Progression {
	return music.Progression{TimeSignature: music.DefaultTimeSignature, Chords: []music.Chord{{Notes: []uint8{note}, Beats: 4}}}
}

func newTestCoordinator(t *testing.T, cfg Config, opts ...Option) (*Coordinator, *fakeTrigger, *notifications) {
	t.Helper()
	trig := &fakeTrigger{}
	n := &notifications{}
	opts = append([]Option{WithNowPlaying(n.record)}, opts...)
	return New(cfg, trig, logx.Nop(), opts...), trig, n
}

func enqueue(t *testing.T, c *Coordinator, qt QueueType, tag string, note uint8, user string) turnqueue.Turn {
	t.Helper()
	turn, err := c.Enqueue(qt, tag, prog(note), user, false)
	require.NoError(t, err)
	return turn
}

func TestOnBar_PriorityBlocksBackground(t *testing.T) {
	t.Parallel()

	c, trig, n := newTestCoordinator(t, Config{})
	enqueue(t, c, Background, "loopA", 40, "alice")
	enqueue(t, c, Priority, "chordA", 60, "bob")

	c.OnBar(context.Background())
	require.Equal(t, []playCall{{Priority, 60}}, trig.Calls())
	require.NotEmpty(t, n.List())
	assert.Equal(t, "chord:chordA", n.List()[0])

	c.OnBar(context.Background())
	assert.Equal(t, []playCall{{Priority, 60}, {Background, 40}}, trig.Calls())
	p, ok := c.CurrentlyPlaying()
	require.True(t, ok)
	assert.Equal(t, Playing{Type: Background, Tag: "loopA"}, p)
}

func TestOnBar_EndToEndTwoLoops(t *testing.T) {
	t.Parallel()

	c, trig, _ := newTestCoordinator(t, Config{RequestTimeout: 10 * time.Second})
	c.SetSyncMode(SyncOff)
	c.SetRequestsOpen(true)

	a := enqueue(t, c, Background, "riffA", 40, "alice")
	b := enqueue(t, c, Background, "riffB", 41, "bob")
	require.Equal(t, turnqueue.Turn(0), a)
	require.Equal(t, turnqueue.Turn(1), b)

	c.OnBar(context.Background())
	assert.Equal(t, []playCall{{Background, 40}}, trig.Calls())
	assert.Equal(t, b, c.CurrentTurn(Background))
	assert.Equal(t, 1, c.Len(Background), "turn 0 should be removed")

	c.OnBar(context.Background())
	assert.Equal(t, []playCall{{Background, 40}, {Background, 41}}, trig.Calls())
	p, ok := c.CurrentlyPlaying()
	require.True(t, ok)
	assert.Equal(t, "riffB", p.Tag)
}

func TestForwardQueue_RepeatModeNeverAdvances(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, Config{})
	c.SetSyncMode(SyncRepeat)
	turn := enqueue(t, c, Background, "solo", 40, "alice")
	c.ForwardQueue(Background)
	enqueue(t, c, Background, "second", 41, "bob")

	for i := 0; i < 5; i++ {
		c.ForwardQueue(Background)
		require.Equal(t, turn, c.CurrentTurn(Background))
	}
}

func TestForwardQueue_FavoritePinsUntilUnmarked(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, Config{})
	a := enqueue(t, c, Background, "A", 40, "alice")
	b := enqueue(t, c, Background, "B", 41, "bob")
	require.NoError(t, c.MarkFavorite(Background, a))

	// Count the pinned turn as played so repetitions do not hold it.
	c.OnBar(context.Background())
	for i := 0; i < 3; i++ {
		c.ForwardQueue(Background)
		require.Equal(t, a, c.CurrentTurn(Background))
	}

	c.UnmarkFavorite(Background)
	c.ForwardQueue(Background)
	assert.Equal(t, b, c.CurrentTurn(Background))
	assert.ErrorIs(t, c.MarkFavorite(Background, a), ErrRequestNotFound)
}

func TestForwardQueue_HoldsWhileRequestsClosedOrPriorityPending(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, Config{})
	x := enqueue(t, c, Background, "X", 40, "alice")
	enqueue(t, c, Background, "Y", 41, "bob")
	c.background.MarkPlayed(x)

	c.SetRequestsOpen(false)
	c.ForwardQueue(Background)
	require.Equal(t, x, c.CurrentTurn(Background))
	c.SetRequestsOpen(true)

	enqueue(t, c, Priority, "P1", 60, "carol")
	enqueue(t, c, Priority, "P2", 61, "dave")
	c.ForwardQueue(Background)
	require.Equal(t, x, c.CurrentTurn(Background), "pending chords hold the loop")

	c.ClearQueue(Priority)
	c.ForwardQueue(Background)
	assert.Equal(t, x+1, c.CurrentTurn(Background))
}

func TestOnBar_RepetitionsPerLoop(t *testing.T) {
	t.Parallel()

	c, trig, _ := newTestCoordinator(t, Config{RepetitionsPerLoop: 2})
	enqueue(t, c, Background, "A", 40, "alice")
	enqueue(t, c, Background, "B", 41, "bob")

	for i := 0; i < 3; i++ {
		c.OnBar(context.Background())
	}
	assert.Equal(t, []playCall{{Background, 40}, {Background, 40}, {Background, 41}}, trig.Calls())
}

func TestNowPlaying_NotifiesOnlyOnChange(t *testing.T) {
	t.Parallel()

	c, trig, n := newTestCoordinator(t, Config{})
	enqueue(t, c, Background, "loop", 40, "alice")
	for i := 0; i < 6; i++ {
		c.OnBar(context.Background())
	}
	assert.Len(t, trig.Calls(), 6)
	assert.Equal(t, []string{"loop:loop"}, n.List())

	c.ClearAll()
	assert.Equal(t, []string{"loop:loop", "<none>"}, n.List())
	_, ok := c.CurrentlyPlaying()
	assert.False(t, ok)
}

func TestNowPlaying_ResetWhenBothLanesExhausted(t *testing.T) {
	t.Parallel()

	c, _, n := newTestCoordinator(t, Config{})
	enqueue(t, c, Priority, "C", 60, "alice")
	c.OnBar(context.Background())
	_, ok := c.CurrentlyPlaying()
	assert.False(t, ok, "single chord played and forwarded: nothing left")
	assert.Equal(t, []string{"chord:C", "<none>"}, n.List())
}

func TestOnBar_TriggerErrorStillAdvances(t *testing.T) {
	t.Parallel()

	c, trig, _ := newTestCoordinator(t, Config{})
	trig.err = errors.New("device unplugged")
	enqueue(t, c, Priority, "C1", 60, "alice")
	enqueue(t, c, Priority, "C2", 62, "bob")

	c.OnBar(context.Background())
	c.OnBar(context.Background())
	assert.Equal(t, []playCall{{Priority, 60}, {Priority, 62}}, trig.Calls())
	assert.Equal(t, 0, c.Len(Priority))
}

func TestOnBar_CurrentRemovedDuringTrigger(t *testing.T) {
	t.Parallel()

	c, trig, _ := newTestCoordinator(t, Config{})
	a := enqueue(t, c, Background, "A", 40, "alice")
	b := enqueue(t, c, Background, "B", 41, "bob")
	trig.during = func() { _ = c.Dequeue(Background, a) }

	c.OnBar(context.Background())
	trig.during = nil

	// The vanished turn is skipped and B plays next.
	c.OnBar(context.Background())
	c.OnBar(context.Background())
	calls := trig.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, playCall{Background, 41}, calls[len(calls)-1])
	assert.Equal(t, b, c.CurrentTurn(Background))
}

func TestOnBar_ClearAndRequeueDuringTriggerKeepsNewRequest(t *testing.T) {
	t.Parallel()

	c, trig, _ := newTestCoordinator(t, Config{})
	enqueue(t, c, Priority, "old", 60, "alice")
	trig.during = func() {
		c.ClearQueue(Priority)
		_, _ = c.Enqueue(Priority, "new", prog(61), "bob", false)
	}
	c.OnBar(context.Background())
	trig.during = nil

	require.Equal(t, 1, c.Len(Priority))
	c.OnBar(context.Background())
	assert.Equal(t, []playCall{{Priority, 60}, {Priority, 61}}, trig.Calls())
}

func TestOnBar_EmptyQueuesPlayNothing(t *testing.T) {
	t.Parallel()

	c, trig, _ := newTestCoordinator(t, Config{})
	c.OnBar(context.Background())
	assert.Empty(t, trig.Calls())
	assert.Equal(t, QueueType(""), c.Mode())
}

func TestEnqueue_Policies(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	c, _, _ := newTestCoordinator(t, Config{RequestTimeout: 30 * time.Second, MaxQueueLength: 2}, WithClock(func() time.Time { return now }))

	enqueue(t, c, Priority, "A", 60, "alice")
	_, err := c.Enqueue(Priority, "B", prog(61), "alice", false)
	require.ErrorIs(t, err, ErrRequestThrottled)
	w, ok := turnqueue.ThrottleWindow(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, w)

	_, err = c.Enqueue(Priority, "B", prog(61), "owner", true)
	require.NoError(t, err)
	_, err = c.Enqueue(Priority, "C", prog(62), "owner", true)
	require.ErrorIs(t, err, ErrQueueFull)

	c.SetRequestsOpen(false)
	_, err = c.Enqueue(Background, "L", prog(40), "bob", false)
	require.ErrorIs(t, err, ErrRequestsClosed)
	_, err = c.Enqueue(Background, "L", prog(40), "owner", true)
	require.NoError(t, err)

	_, err = c.Enqueue(QueueType("bogus"), "x", prog(1), "owner", true)
	require.Error(t, err)
}

func TestListQueue(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, Config{})
	enqueue(t, c, Background, "L1", 40, "alice")
	enqueue(t, c, Background, "L2", 41, "bob")
	enqueue(t, c, Priority, "C1", 60, "carol")
	require.NoError(t, c.MarkFavorite(Background, 1))

	got := c.ListQueue()
	require.Len(t, got, 3)
	assert.Equal(t, QueuedRequest{Type: Priority, Turn: 0, Tag: "C1", Requester: "carol"}, got[0])
	assert.Equal(t, "L1", got[1].Tag)
	assert.True(t, got[2].Favorite)

	c.OnBar(context.Background()) // chord plays and is removed
	got = c.ListQueue()
	require.Len(t, got, 2)
	assert.Equal(t, Background, got[0].Type)
}

func TestDequeueLatestByRequester(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c, _, _ := newTestCoordinator(t, Config{}, WithClock(clock))

	enqueue(t, c, Priority, "C1", 60, "alice")
	now = now.Add(time.Second)
	enqueue(t, c, Background, "L1", 40, "alice")

	qt, turn, err := c.DequeueLatestByRequester("alice")
	require.NoError(t, err)
	assert.Equal(t, Background, qt)
	assert.Equal(t, turnqueue.Turn(0), turn)

	qt, _, err = c.DequeueLatestByRequester("alice")
	require.NoError(t, err)
	assert.Equal(t, Priority, qt)

	_, _, err = c.DequeueLatestByRequester("alice")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

type memAliases struct {
	m map[string]string
}

func (a *memAliases) Exists(ctx context.Context, name string) (bool, error) {
	_, ok := a.m[name]
	return ok, nil
}

func (a *memAliases) Save(ctx context.Context, alias, request string) error {
	if _, ok := a.m[alias]; ok {
		return fmt.Errorf("save %q: %w", alias, ErrAliasConflict)
	}
	a.m[alias] = request
	return nil
}

func TestSaveAsAlias(t *testing.T) {
	t.Parallel()

	al := &memAliases{m: map[string]string{"intro": "C4-E4-G4"}}
	c, _, _ := newTestCoordinator(t, Config{}, WithAliases(al))
	ctx := context.Background()

	enqueue(t, c, Background, "A3-C4-E4", 57, "alice")
	enqueue(t, c, Background, "intro", 60, "bob")

	require.ErrorIs(t, c.SaveAsAlias(ctx, Background, 9, "x"), ErrRequestNotFound)
	require.ErrorIs(t, c.SaveAsAlias(ctx, Background, 1, "again"), ErrAliasConflict)
	require.ErrorIs(t, c.SaveAsAlias(ctx, Background, 0, "Intro"), ErrAliasConflict)
	require.NoError(t, c.SaveAsAlias(ctx, Background, 0, "Minor"))
	assert.Equal(t, "A3-C4-E4", al.m["minor"])

	noAliases, _, _ := newTestCoordinator(t, Config{})
	assert.ErrorIs(t, noAliases.SaveAsAlias(ctx, Background, 0, "x"), ErrAliasesDisabled)
}

func TestCoordinator_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			c.OnBar(ctx)
		}
	}()
	for i := 0; i < 200; i++ {
		qt := QueueTypes[i%2]
		turn, err := c.Enqueue(qt, fmt.Sprintf("t%d", i), prog(uint8(i%100)), "owner", true)
		if err == nil && i%3 == 0 {
			_ = c.Dequeue(qt, turn)
		}
		_ = c.ListQueue()
	}
	cancel()
	wg.Wait()
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	qt, err := ParseQueueType("sendloop")
	require.NoError(t, err)
	assert.Equal(t, Background, qt)
	_, err = ParseQueueType("drums")
	assert.Error(t, err)

	m, err := ParseSyncMode("REPEAT")
	require.NoError(t, err)
	assert.Equal(t, SyncRepeat, m)
	assert.Equal(t, "off", SyncOff.String())
}

func TestLocked_PanicReleasesMutex(t *testing.T) {
	t.Parallel()

	c, _, n := newTestCoordinator(t, Config{})
	enqueue(t, c, Background, "a", 60, "alice")

	func() {
		defer func() {
			r := recover()
			err, ok := r.(error)
			require.True(t, ok)
			require.ErrorIs(t, err, turnqueue.ErrStructuralInconsistency)
		}()
		c.locked(func() func() {
			panic(fmt.Errorf("%w: turn 0", turnqueue.ErrStructuralInconsistency))
		})
	}()
	assert.Empty(t, n.List(), "notifier must not run when the locked section panics")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ForwardQueue(Background)
		_ = c.ListQueue()
		c.ClearAll()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator mutex still held after recovered panic")
	}
	assert.Empty(t, c.ListQueue())
}
