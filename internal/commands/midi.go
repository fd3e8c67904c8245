package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"midibot/internal/config"
	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	"midibot/internal/music"
	"midibot/internal/performance"
	"midibot/internal/storage"
	"midibot/internal/turnqueue"
)

// Deps are the services the MIDI commands operate on. Store and Bus may be nil.
type Deps struct {
	Scheduler *performance.Scheduler
	Store     storage.Store
	Bus       eventbus.Bus
}

type midiHandlers struct {
	sched *performance.Scheduler
	coord *coordinator.Coordinator
	store storage.Store
	bus   eventbus.Bus
}

// MIDI returns the chat command set.
func MIDI(d Deps) []Command {
	h := &midiHandlers{sched: d.Scheduler, coord: d.Scheduler.Coordinator(), store: d.Store, bus: d.Bus}
	return []Command{
		{Name: "sendchord", Description: "play a chord progression once", Usage: "/sendchord [n/d] C4-E4-G4[/beats] ...", Handle: h.submit(coordinator.Priority, music.DefaultChordBeats)},
		{Name: "sendloop", Description: "queue a looping progression", Usage: "/sendloop [n/d] C4-E4-G4[/beats] ...", Handle: h.submit(coordinator.Background, music.DefaultLoopBeats)},
		{Name: "wrongrequest", Description: "remove your last request", Usage: "/wrongrequest", Handle: h.wrongRequest},
		{Name: "midicurrentrequest", Description: "show what is playing", Usage: "/midicurrentrequest", Handle: h.current},
		{Name: "midirequestqueue", Description: "show pending requests", Usage: "/midirequestqueue", Handle: h.queue},
		{Name: "chordlist", Description: "list saved requests", Usage: "/chordlist", Handle: h.chordList},
		{Name: "midistatus", Description: "clock and queue status", Usage: "/midistatus", Handle: h.status},

		{Name: "removerequest", Access: AccessOwnerOnly, Description: "remove a request by turn", Usage: "/removerequest <chord|loop> <turn>", Handle: h.removeRequest},
		{Name: "favorite", Access: AccessOwnerOnly, Description: "pin a loop so it keeps repeating", Usage: "/favorite <chord|loop> <turn>", Handle: h.favorite},
		{Name: "unfavorite", Access: AccessOwnerOnly, Description: "release the pinned request", Usage: "/unfavorite <chord|loop>", Handle: h.unfavorite},
		{Name: "saverequest", Access: AccessOwnerOnly, Description: "save a queued request under an alias", Usage: "/saverequest <chord|loop> <turn> <alias>", Handle: h.saveRequest},
		{Name: "stoploop", Access: AccessOwnerOnly, Description: "clear all loops", Usage: "/stoploop", Handle: h.stopLoop},
		{Name: "fullstopmidi", Access: AccessOwnerOnly, Description: "clear everything, stop the clock, silence the device", Usage: "/fullstopmidi", Handle: h.fullStop},
		{Name: "midion", Access: AccessOwnerOnly, Description: "start the clock", Usage: "/midion", Handle: h.midiOn},
		{Name: "midioff", Access: AccessOwnerOnly, Description: "stop the clock", Usage: "/midioff", Handle: h.midiOff},
		{Name: "settempo", Aliases: []string{"tempo"}, Access: AccessOwnerOnly, Description: "set the tempo", Usage: "/settempo <35-400>", Handle: h.setTempo},
		{Name: "syncmidi", Access: AccessOwnerOnly, Description: "restart the clock on bar one", Usage: "/syncmidi", Handle: h.syncMIDI},
		{Name: "syncmode", Access: AccessOwnerOnly, Description: "repeat the current loop or advance", Usage: "/syncmode <off|repeat>", Handle: h.syncMode},
		{Name: "midipause", Access: AccessOwnerOnly, Description: "close requests", Usage: "/midipause", Handle: h.setOpen(false)},
		{Name: "midiresume", Access: AccessOwnerOnly, Description: "open requests", Usage: "/midiresume", Handle: h.setOpen(true)},
		{Name: "miditimeout", Access: AccessOwnerOnly, Description: "seconds between requests of one user", Usage: "/miditimeout <0-86400>", Handle: h.setTimeout},
		{Name: "midibanuser", Access: AccessOwnerOnly, Description: "block a user from requesting", Usage: "/midibanuser <user>", Handle: h.ban},
		{Name: "midiunbanuser", Access: AccessOwnerOnly, Description: "unblock a user", Usage: "/midiunbanuser <user>", Handle: h.unban},
	}
}

func (h *midiHandlers) submit(t coordinator.QueueType, defaultBeats float64) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if req.RawArgs == "" {
			return usage("/send" + string(t) + " [n/d] C4-E4-G4[/beats] ...")
		}
		requester := req.Requester()
		if h.store != nil && !req.Owner {
			banned, err := h.store.IsBanned(ctx, requester)
			if err != nil {
				return err
			}
			if banned {
				return ErrBanned
			}
		}

		tag := music.Normalize(req.RawArgs)
		text := tag
		if h.store != nil && len(req.Args) == 1 {
			saved, ok, err := h.store.GetAlias(ctx, tag)
			if err != nil {
				return err
			}
			if ok {
				text = saved
			}
		}
		p, err := music.Parse(text, defaultBeats)
		if err != nil {
			return err
		}
		turn, err := h.coord.Enqueue(t, tag, p, requester, req.Owner)
		if err != nil {
			return err
		}
		if h.bus != nil {
			h.bus.Publish(eventbus.Event{Type: eventbus.RequestQueued, Data: eventbus.RequestInfo{
				Queue: string(t), Turn: int64(turn), Tag: tag, Requester: requester,
			}})
		}
		return req.Reply(ctx, fmt.Sprintf("Queued %s #%d: %s", t, turn, tag))
	}
}

func (h *midiHandlers) wrongRequest(ctx context.Context, req *Request) error {
	t, turn, err := h.coord.DequeueLatestByRequester(req.Requester())
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Removed your %s #%d.", t, turn))
}

func (h *midiHandlers) current(ctx context.Context, req *Request) error {
	p, ok := h.coord.CurrentlyPlaying()
	if !ok {
		return req.Reply(ctx, "Nothing is playing.")
	}
	return req.Reply(ctx, fmt.Sprintf("Now playing (%s): %s", p.Type, p.Tag))
}

func (h *midiHandlers) queue(ctx context.Context, req *Request) error {
	return req.Reply(ctx, FormatQueue(h.coord.ListQueue()))
}

// FormatQueue renders pending requests one per line; pinned ones end in "*".
func FormatQueue(items []coordinator.QueuedRequest) string {
	if len(items) == 0 {
		return "The queue is empty."
	}
	var b strings.Builder
	b.WriteString("Queue:")
	for _, it := range items {
		fmt.Fprintf(&b, "\n%s #%d %s (%s)", it.Type, it.Turn, it.Tag, it.Requester)
		if it.Favorite {
			b.WriteString(" *")
		}
	}
	return b.String()
}

func (h *midiHandlers) chordList(ctx context.Context, req *Request) error {
	if h.store == nil {
		return ErrStoreDisabled
	}
	aliases, err := h.store.ListAliases(ctx)
	if err != nil {
		return err
	}
	if len(aliases) == 0 {
		return req.Reply(ctx, "No saved requests.")
	}
	var b strings.Builder
	b.WriteString("Saved requests:\n")
	for _, a := range aliases {
		fmt.Fprintf(&b, "%s: %s\n", a.Name, a.Request)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *midiHandlers) status(ctx context.Context, req *Request) error {
	st := h.sched.Status()
	clockState := "stopped"
	switch {
	case st.Active && st.Syncing:
		clockState = "syncing"
	case st.Active:
		clockState = "running"
	}
	requests := "open"
	if !st.RequestsOpen {
		requests = "closed"
	}
	lines := []string{
		fmt.Sprintf("Clock: %s at %d BPM (%d bars)", clockState, st.Tempo, st.Bars),
		fmt.Sprintf("Requests: %s, sync mode %s", requests, st.SyncMode),
		fmt.Sprintf("Pending: %d chords, %d loops", h.coord.Len(coordinator.Priority), h.coord.Len(coordinator.Background)),
	}
	if st.Playing != nil {
		lines = append(lines, fmt.Sprintf("Playing (%s): %s", st.Playing.Type, st.Playing.Tag))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

// typeAndTurn parses "<chord|loop> <turn>" from the first two arguments.
func typeAndTurn(args []string, u string) (coordinator.QueueType, turnqueue.Turn, error) {
	if len(args) < 2 {
		return "", turnqueue.NoTurn, usage(u)
	}
	t, err := coordinator.ParseQueueType(args[0])
	if err != nil {
		return "", turnqueue.NoTurn, usage(u)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(args[1], "#"), 10, 64)
	if err != nil || n < 0 {
		return "", turnqueue.NoTurn, usage(u)
	}
	return t, turnqueue.Turn(n), nil
}

func (h *midiHandlers) removeRequest(ctx context.Context, req *Request) error {
	t, turn, err := typeAndTurn(req.Args, "/removerequest <chord|loop> <turn>")
	if err != nil {
		return err
	}
	if err := h.coord.Dequeue(t, turn); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Removed %s #%d.", t, turn))
}

func (h *midiHandlers) favorite(ctx context.Context, req *Request) error {
	t, turn, err := typeAndTurn(req.Args, "/favorite <chord|loop> <turn>")
	if err != nil {
		return err
	}
	if err := h.coord.MarkFavorite(t, turn); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Pinned %s #%d.", t, turn))
}

func (h *midiHandlers) unfavorite(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return usage("/unfavorite <chord|loop>")
	}
	t, err := coordinator.ParseQueueType(req.Args[0])
	if err != nil {
		return usage("/unfavorite <chord|loop>")
	}
	h.coord.UnmarkFavorite(t)
	return req.Reply(ctx, fmt.Sprintf("Released the pinned %s.", t))
}

func (h *midiHandlers) saveRequest(ctx context.Context, req *Request) error {
	const u = "/saverequest <chord|loop> <turn> <alias>"
	t, turn, err := typeAndTurn(req.Args, u)
	if err != nil {
		return err
	}
	if len(req.Args) < 3 {
		return usage(u)
	}
	alias := strings.Join(req.Args[2:], " ")
	if err := h.coord.SaveAsAlias(ctx, t, turn, alias); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Saved %s #%d as %q.", t, turn, storage.AliasKey(alias)))
}

func (h *midiHandlers) stopLoop(ctx context.Context, req *Request) error {
	h.coord.ClearQueue(coordinator.Background)
	return req.Reply(ctx, "Loops cleared.")
}

func (h *midiHandlers) fullStop(ctx context.Context, req *Request) error {
	if err := h.sched.FullStop(); err != nil {
		return err
	}
	return req.Reply(ctx, "Stopped. Queues cleared.")
}

func (h *midiHandlers) midiOn(ctx context.Context, req *Request) error {
	if err := h.sched.Start(); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Clock started at %d BPM.", h.sched.Tempo()))
}

func (h *midiHandlers) midiOff(ctx context.Context, req *Request) error {
	if err := h.sched.Stop(); err != nil {
		return err
	}
	return req.Reply(ctx, "Clock stopped.")
}

func (h *midiHandlers) setTempo(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage("/settempo <35-400>")
	}
	bpm, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return usage("/settempo <35-400>")
	}
	if err := h.sched.SetTempo(bpm); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Tempo set to %d BPM.", bpm))
}

func (h *midiHandlers) syncMIDI(ctx context.Context, req *Request) error {
	if err := h.sched.Sync(); err != nil {
		return err
	}
	return req.Reply(ctx, "Clock restarted.")
}

func (h *midiHandlers) syncMode(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage("/syncmode <off|repeat>")
	}
	m, err := coordinator.ParseSyncMode(req.Args[0])
	if err != nil {
		return usage("/syncmode <off|repeat>")
	}
	h.coord.SetSyncMode(m)
	return req.Reply(ctx, "Sync mode: "+m.String())
}

func (h *midiHandlers) setOpen(open bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		h.coord.SetRequestsOpen(open)
		if open {
			return req.Reply(ctx, "Requests are open.")
		}
		return req.Reply(ctx, "Requests are closed.")
	}
}

func (h *midiHandlers) setTimeout(ctx context.Context, req *Request) error {
	const u = "/miditimeout <0-86400>"
	if len(req.Args) != 1 {
		return usage(u)
	}
	secs, err := strconv.Atoi(req.Args[0])
	if err != nil || secs < 0 || time.Duration(secs)*time.Second > config.MaxRequestTimeout {
		return usage(u)
	}
	h.coord.SetRequestTimeout(time.Duration(secs) * time.Second)
	return req.Reply(ctx, fmt.Sprintf("Request timeout set to %ds.", secs))
}

func (h *midiHandlers) ban(ctx context.Context, req *Request) error {
	if h.store == nil {
		return ErrStoreDisabled
	}
	if len(req.Args) != 1 {
		return usage("/midibanuser <user>")
	}
	user := storage.UserKey(req.Args[0])
	if err := h.store.Ban(ctx, user, req.Requester()); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("%s can no longer send requests.", user))
}

func (h *midiHandlers) unban(ctx context.Context, req *Request) error {
	if h.store == nil {
		return ErrStoreDisabled
	}
	if len(req.Args) != 1 {
		return usage("/midiunbanuser <user>")
	}
	user := storage.UserKey(req.Args[0])
	ok, err := h.store.Unban(ctx, user)
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("%s was not banned.", user))
	}
	return req.Reply(ctx, fmt.Sprintf("%s can send requests again.", user))
}
