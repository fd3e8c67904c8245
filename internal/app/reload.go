package app

import (
	"context"
	"slices"
	"strings"

	"midibot/internal/config"
	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	logx "midibot/pkg/logx"
)

// restartOnly lists sections whose changes are logged but not applied live.
var restartOnly = []string{"storage", "overlay"}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the changed sections of next into the running
// components. Untouched sections keep their runtime overrides (/settempo,
// /miditimeout, /midipause).
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	for _, s := range restartOnly {
		if changed(s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if changed("telegram") || changed("logging") {
		a.logs.SetChatTarget(next.Telegram.LogChat, next.Logging.Chat.ThreadID)
		a.logs.Apply(mapLogConfig(next))
		a.ann.SetTarget(next.Telegram.LogChat, 0)
		a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
		if prev.Telegram.Token != next.Telegram.Token {
			a.log.Warn("telegram token changed; restart required for changes to take effect")
		}
	}

	if changed("midi") || changed("queue") {
		if ccfg, err := mapCoordinatorConfig(next); err != nil {
			a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
		} else {
			if !changed("queue") {
				ccfg.RequestTimeout = a.coord.Config().RequestTimeout
			}
			a.coord.Apply(ccfg)
		}
	}
	if changed("midi") {
		if prev.MIDI.Output != next.MIDI.Output {
			a.log.Warn("midi.output changed; restart required for changes to take effect")
		}
		a.sched.SetChannel(midiChannel(next.MIDI.Channel))
		if mapTempo(prev) != mapTempo(next) {
			if err := a.sched.SetTempo(mapTempo(next)); err != nil {
				a.log.Warn("tempo not applied", logx.Err(err))
			}
		}
	}
	if changed("queue") {
		if prev.Queue.SyncMode != next.Queue.SyncMode {
			if m, err := coordinator.ParseSyncMode(next.Queue.SyncMode); err == nil {
				a.coord.SetSyncMode(m)
			}
		}
		if requestsOpen(prev) != requestsOpen(next) {
			a.coord.SetRequestsOpen(requestsOpen(next))
		}
	}
	if changed("schedule") {
		if err := a.cron.Apply(next.Schedule); err != nil {
			a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
