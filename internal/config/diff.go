package config

import (
	"reflect"
	"sort"
	"strings"

	logx "midibot/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Secrets such as the bot token are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.LogChat != nt.LogChat ||
		(ot.Token != nt.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", nt.LogChat != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.MIDI != newCfg.MIDI {
		changed = append(changed, "midi")
		attrs = append(attrs,
			logx.String("midi.output", newCfg.MIDI.Output),
			logx.Int("midi.channel", newCfg.MIDI.Channel),
			logx.Int("midi.tempo", newCfg.MIDI.Tempo),
			logx.Bool("midi.allow_custom_time_signature", newCfg.MIDI.AllowCustomTimeSignature),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.request_timeout", strings.TrimSpace(newCfg.Queue.RequestTimeout)),
			logx.Int("queue.repetitions_per_loop", newCfg.Queue.RepetitionsPerLoop),
			logx.Int("queue.max_length", newCfg.Queue.MaxLength),
			logx.String("queue.sync_mode", newCfg.Queue.SyncMode),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		jobs := 0
		enabled := false
		if newCfg.Schedule != nil {
			jobs = len(newCfg.Schedule.Jobs)
			enabled = newCfg.Schedule.Enabled
		}
		attrs = append(attrs, logx.Bool("schedule.enabled", enabled), logx.Int("schedule.jobs", jobs))
	}

	if !reflect.DeepEqual(oldCfg.Overlay, newCfg.Overlay) {
		changed = append(changed, "overlay")
		if newCfg.Overlay != nil {
			attrs = append(attrs,
				logx.Bool("overlay.enabled", newCfg.Overlay.Enabled),
				logx.String("overlay.host", newCfg.Overlay.Host),
				logx.Int("overlay.port", newCfg.Overlay.Port),
			)
		}
	}

	// Nil means disabled.
	var oDriver, nDriver, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver), logx.Bool("storage.path_set", nPath != ""))
	}

	sort.Strings(changed)
	return changed, attrs
}
