package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	"midibot/internal/music"
	"midibot/internal/performance"
	"midibot/internal/storage"
	kit "midibot/internal/transport"
	logx "midibot/pkg/logx"
)

const ownerID = 1

type sent struct {
	To   kit.ChatTarget
	Text string
}

type fakeAdapter struct {
	mu   sync.Mutex
	out  []sent
	menu []kit.BotCommand
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                        { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = append(a.out, sent{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(a.out)}, nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.out) == 0 {
		return ""
	}
	return a.out[len(a.out)-1].Text
}

type fakeDevice struct{}

func (d *fakeDevice) Clock() error            { return nil }
func (d *fakeDevice) Start() error            { return nil }
func (d *fakeDevice) Stop() error             { return nil }
func (d *fakeDevice) AllNotesOff(uint8) error { return nil }
func (d *fakeDevice) SetTempo(int)            {}
func (d *fakeDevice) Trigger(context.Context, music.Progression, uint8, coordinator.TriggerOptions, music.TimeSignatureCC, coordinator.QueueType) error {
	return nil
}

type env struct {
	m     *Manager
	ad    *fakeAdapter
	sched *performance.Scheduler
	coord *coordinator.Coordinator
	store storage.Store
	bus   eventbus.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dev := &fakeDevice{}
	coord := coordinator.New(coordinator.Config{}, dev, logx.Nop(), coordinator.WithAliases(AliasBook(st)))
	sched, err := performance.New(coord, dev, nil, nil, performance.Config{Tempo: 120}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Close(context.Background()) })

	bus := eventbus.New()
	ad := &fakeAdapter{}
	m := NewManager(ad, []int64{ownerID}, logx.Nop(), WithStore(st))
	m.SetRegistry(MIDI(Deps{Scheduler: sched, Store: st, Bus: bus}))
	return &env{m: m, ad: ad, sched: sched, coord: coord, store: st, bus: bus}
}

// say routes one message and runs the queued job inline.
func (e *env) say(t *testing.T, from int64, username, text string) string {
	t.Helper()
	before := len(e.m.jobs)
	e.m.Route(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: 100, FromID: from, FromUsername: username, Text: text,
	}})
	if len(e.m.jobs) > before {
		(<-e.m.jobs)()
	}
	return e.ad.last()
}

func TestParseCommandLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		word string
		args []string
		raw  string
		ok   bool
	}{
		{"/sendchord C4-E4  G4", "sendchord", []string{"C4-E4", "G4"}, "C4-E4  G4", true},
		{"/SendLoop@midi_bot 3/4 C4", "sendloop", []string{"3/4", "C4"}, "3/4 C4", true},
		{"  /help  ", "help", nil, "", true},
		{"hello", "", nil, "", false},
		{"/", "", nil, "", false},
		{"/@bot", "", nil, "", false},
	}
	for _, tc := range cases {
		word, args, raw, ok := parseCommandLine(tc.in)
		if ok != tc.ok || word != tc.word || raw != tc.raw || strings.Join(args, "|") != strings.Join(tc.args, "|") {
			t.Fatalf("parseCommandLine(%q) = %q %q %q %v", tc.in, word, args, raw, ok)
		}
	}
}

func TestSendChordQueuesAndPublishes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	events, unsub := e.bus.Subscribe(4)
	defer unsub()

	reply := e.say(t, 7, "alice", "/sendchord C4-E4-G4 F4/2")
	assert.Equal(t, "Queued chord #0: C4-E4-G4 F4/2", reply)
	assert.Equal(t, 1, e.coord.Len(coordinator.Priority))

	select {
	case ev := <-events:
		require.Equal(t, eventbus.RequestQueued, ev.Type)
		info := ev.Data.(eventbus.RequestInfo)
		assert.Equal(t, "chord", info.Queue)
		assert.Equal(t, "alice", info.Requester)
	case <-time.After(time.Second):
		t.Fatal("no RequestQueued event")
	}
}

func TestSubmitErrorsAreRendered(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	assert.Equal(t, "Usage: /sendloop [n/d] C4-E4-G4[/beats] ...", e.say(t, 7, "alice", "/sendloop"))
	assert.True(t, strings.HasPrefix(e.say(t, 7, "alice", "/sendloop H9"), "Invalid request: "))

	e.coord.SetRequestTimeout(time.Minute)
	e.say(t, 7, "alice", "/sendloop C4")
	assert.Contains(t, e.say(t, 7, "alice", "/sendloop D4"), "Please wait 1m0s")

	// Owners bypass the window.
	e.say(t, ownerID, "boss", "/sendloop E4")
	assert.Equal(t, "Queued loop #2: D4", e.say(t, ownerID, "boss", "/sendloop D4"))
}

func TestOwnerOnlyGate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	assert.Equal(t, "This command is for the bot owner.", e.say(t, 7, "alice", "/midipause"))
	assert.True(t, e.coord.RequestsOpen())

	assert.Equal(t, "Requests are closed.", e.say(t, ownerID, "boss", "/midipause"))
	assert.Equal(t, "Requests are closed right now.", e.say(t, 7, "alice", "/sendchord C4"))
	assert.Equal(t, "Requests are open.", e.say(t, ownerID, "boss", "/midiresume"))
}

func TestUnknownCommandIsSilent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	assert.Equal(t, "", e.say(t, 7, "alice", "/weather"))
}

func TestBanFlow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	assert.Equal(t, "alice can no longer send requests.", e.say(t, ownerID, "boss", "/midibanuser @Alice"))
	assert.Equal(t, "You are not allowed to send requests.", e.say(t, 7, "alice", "/sendchord C4"))
	assert.Equal(t, 0, e.coord.Len(coordinator.Priority))

	assert.Equal(t, "alice can send requests again.", e.say(t, ownerID, "boss", "/midiunbanuser alice"))
	assert.Equal(t, "alice was not banned.", e.say(t, ownerID, "boss", "/midiunbanuser alice"))
	assert.Equal(t, "Queued chord #0: C4", e.say(t, 7, "alice", "/sendchord C4"))
}

func TestSaveRequestAndAliasResolution(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.say(t, 7, "alice", "/sendloop C4-E4-G4 A3-C4-E4")
	assert.Equal(t, `Saved loop #0 as "pop".`, e.say(t, ownerID, "boss", "/saverequest loop 0 Pop"))
	assert.Equal(t, "That alias already exists, or the request is itself an alias.",
		e.say(t, ownerID, "boss", "/saverequest loop 0 pop"))

	assert.Equal(t, "Saved requests:\npop: C4-E4-G4 A3-C4-E4", e.say(t, 8, "bob", "/chordlist"))

	// An alias plays the saved text but keeps its own name as the tag.
	assert.Equal(t, "Queued loop #1: pop", e.say(t, 8, "bob", "/sendloop pop"))
	assert.Equal(t, "Usage: /saverequest <chord|loop> <turn> <alias>", e.say(t, ownerID, "boss", "/saverequest loop 0"))
	assert.Equal(t, "Request not found.", e.say(t, ownerID, "boss", "/saverequest chord 9 x"))
}

type aliasErrStore struct {
	storage.Store
}

func (aliasErrStore) GetAlias(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func TestAliasLookupFailureRejectsRequest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.m.SetRegistry(MIDI(Deps{Scheduler: e.sched, Store: aliasErrStore{e.store}, Bus: e.bus}))

	assert.Equal(t, "Something went wrong.", e.say(t, 7, "alice", "/sendloop pop"))
	assert.Equal(t, 0, e.coord.Len(coordinator.Background))

	// Multi-token requests never consult the alias book.
	assert.Equal(t, "Queued loop #0: C4 E4", e.say(t, 7, "alice", "/sendloop C4 E4"))
}

func TestQueueManagement(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.say(t, 7, "alice", "/sendloop C4")
	e.say(t, 8, "bob", "/sendloop D4")
	e.say(t, 8, "bob", "/sendchord E4")

	assert.Equal(t, "Removed your chord #0.", e.say(t, 8, "bob", "/wrongrequest"))
	assert.Equal(t, "Request not found.", e.say(t, 9, "carol", "/wrongrequest"))

	assert.Equal(t, "Pinned loop #1.", e.say(t, ownerID, "boss", "/favorite loop 1"))
	assert.Equal(t, "Queue:\nloop #0 C4 (alice)\nloop #1 D4 (bob) *", e.say(t, 7, "alice", "/midirequestqueue"))
	assert.Equal(t, "Released the pinned loop.", e.say(t, ownerID, "boss", "/unfavorite loops"))

	assert.Equal(t, "Removed loop #0.", e.say(t, ownerID, "boss", "/removerequest loop #0"))
	assert.Equal(t, "Usage: /removerequest <chord|loop> <turn>", e.say(t, ownerID, "boss", "/removerequest drum 1"))

	assert.Equal(t, "Loops cleared.", e.say(t, ownerID, "boss", "/stoploop"))
	assert.Equal(t, "The queue is empty.", e.say(t, 7, "alice", "/midirequestqueue"))
	assert.Equal(t, "Nothing is playing.", e.say(t, 7, "alice", "/midicurrentrequest"))
}

func TestClockAndSettings(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	assert.Equal(t, "Tempo set to 90 BPM.", e.say(t, ownerID, "boss", "/settempo 90"))
	assert.Equal(t, 90, e.sched.Tempo())
	assert.Equal(t, "Tempo must be between 35 and 400 BPM.", e.say(t, ownerID, "boss", "/tempo 401"))
	assert.Equal(t, "Usage: /settempo <35-400>", e.say(t, ownerID, "boss", "/settempo fast"))

	assert.Equal(t, "Sync mode: repeat", e.say(t, ownerID, "boss", "/syncmode repeat"))
	assert.Equal(t, coordinator.SyncRepeat, e.coord.SyncMode())

	assert.Equal(t, "Request timeout set to 30s.", e.say(t, ownerID, "boss", "/miditimeout 30"))
	assert.Equal(t, "Usage: /miditimeout <0-86400>", e.say(t, ownerID, "boss", "/miditimeout 86401"))

	assert.Equal(t, "Clock started at 90 BPM.", e.say(t, ownerID, "boss", "/midion"))
	assert.True(t, e.sched.IsActive())
	assert.Contains(t, e.say(t, 7, "alice", "/midistatus"), "BPM")
	assert.Equal(t, "Clock stopped.", e.say(t, ownerID, "boss", "/midioff"))
	assert.False(t, e.sched.IsActive())

	e.say(t, 7, "alice", "/sendloop C4")
	assert.Equal(t, "Stopped. Queues cleared.", e.say(t, ownerID, "boss", "/fullstopmidi"))
	assert.Equal(t, 0, e.coord.Len(coordinator.Background))
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	public := e.say(t, 7, "alice", "/help")
	assert.Contains(t, public, "/sendchord")
	assert.NotContains(t, public, "/fullstopmidi")

	owner := e.say(t, ownerID, "boss", "/help")
	assert.Contains(t, owner, "Owner:\n")
	assert.Contains(t, owner, "/fullstopmidi")

	assert.Contains(t, e.say(t, 7, "alice", "/help tempo"), "Usage: /settempo <35-400>")
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)

	var calls int
	h := Chain(func(ctx context.Context, req *Request) error {
		calls++
		return coordinator.ErrQueueFull
	}, MWAudit(st, logx.Nop()))
	err = h(context.Background(), &Request{Command: "sendchord", RawArgs: "C4", FromID: 7, Chat: kit.ChatTarget{ChatID: 100}})
	require.ErrorIs(t, err, coordinator.ErrQueueFull)
	require.Equal(t, 1, calls)
	require.NoError(t, st.Close())
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{usage("/x"), "Usage: /x"},
		{ErrBanned, "You are not allowed to send requests."},
		{coordinator.ErrRequestThrottled, "Please wait before sending another request."},
		{coordinator.ErrDuplicateRequest, "That request is already the last one in the queue."},
		{coordinator.ErrQueueFull, "The queue is full, try again later."},
		{storage.ErrDisabled, "Something went wrong."},
		{ErrStoreDisabled, "Saving is disabled on this bot."},
		{context.DeadlineExceeded, "That took too long, try again."},
		{errors.New("boom"), "Something went wrong."},
	}
	for _, tc := range cases {
		if got := userMessage(tc.err); got != tc.want {
			t.Fatalf("userMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestSanitizeMenuCommand(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"sendchord":             "sendchord",
		"Set-Tempo":             "set_tempo",
		"  a  b ":               "a_b",
		"9lives":                "cmd_9lives",
		"__":                    "",
		"é":                     "",
		strings.Repeat("x", 40): strings.Repeat("x", 32),
	}
	for in, want := range cases {
		if got := sanitizeMenuCommand(in); got != want {
			t.Fatalf("sanitizeMenuCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildMenuOrdersPublicFirst(t *testing.T) {
	t.Parallel()

	menu := buildMenu([]Command{
		{Name: "midion", Access: AccessOwnerOnly, Description: "start"},
		{Name: "sendchord", Description: "play"},
	})
	require.Len(t, menu, 2)
	assert.Equal(t, "sendchord", menu[0].Command)
	assert.Equal(t, "midion", menu[1].Command)
	assert.True(t, strings.HasPrefix(menu[1].Description, "(owner) "))
}
