package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"midibot/internal/commands"
	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	kit "midibot/internal/transport"
	logx "midibot/pkg/logx"
)

// announcer posts now-playing changes and scheduled queue summaries to the
// log chat. Now-playing posts beyond the limiter budget are dropped.
type announcer struct {
	ad    kit.Adapter
	coord *coordinator.Coordinator
	lim   *rate.Limiter
	log   logx.Logger

	mu sync.Mutex
	to kit.ChatTarget
}

func newAnnouncer(ad kit.Adapter, coord *coordinator.Coordinator, every time.Duration, log logx.Logger) *announcer {
	return &announcer{ad: ad, coord: coord, lim: rate.NewLimiter(rate.Every(every), 1), log: log}
}

// SetTarget changes the destination chat. chatID 0 disables announcements.
func (a *announcer) SetTarget(chatID int64, threadID int) {
	a.mu.Lock()
	a.to = kit.ChatTarget{ChatID: chatID, ThreadID: threadID}
	a.mu.Unlock()
}

func (a *announcer) target() (kit.ChatTarget, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.to, a.to.ChatID != 0
}

func (a *announcer) Run(ctx context.Context, bus eventbus.Bus) {
	sub, unsub := bus.Subscribe(16)
	defer unsub()
	events := eventbus.Filter(sub, eventbus.NowPlayingChanged)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			p, playing := e.Data.(coordinator.Playing)
			if !playing {
				continue
			}
			if !a.lim.Allow() {
				a.log.Debug("now playing announcement dropped", logx.String("tag", p.Tag))
				continue
			}
			a.send(ctx, fmt.Sprintf("Now playing (%s): %s", p.Type, p.Tag))
		}
	}
}

// AnnounceQueue posts the pending queue, waiting for the limiter.
func (a *announcer) AnnounceQueue(ctx context.Context) error {
	if _, ok := a.target(); !ok {
		return nil
	}
	if err := a.lim.Wait(ctx); err != nil {
		return err
	}
	return a.send(ctx, commands.FormatQueue(a.coord.ListQueue()))
}

func (a *announcer) send(ctx context.Context, text string) error {
	to, ok := a.target()
	if !ok {
		return nil
	}
	_, err := a.ad.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		a.log.Warn("announcement failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
	return err
}
