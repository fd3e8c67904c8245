package app

import (
	"strings"
	"time"

	"midibot/internal/config"
	"midibot/internal/coordinator"
	"midibot/internal/music"
	"midibot/internal/storage"
	"midibot/internal/transport/telegram"
	logx "midibot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

// mapCoordinatorConfig fills defaults. An explicit "0s" request timeout
// disables throttling; an empty one means the default.
func mapCoordinatorConfig(cfg *config.Config) (coordinator.Config, error) {
	m, q := cfg.MIDI, cfg.Queue

	timeout := config.DefaultRequestTimeout
	if strings.TrimSpace(q.RequestTimeout) != "" {
		d, err := config.ParseDurationField("queue.request_timeout", q.RequestTimeout)
		if err != nil {
			return coordinator.Config{}, err
		}
		timeout = d
	}
	cc := music.TimeSignatureCC{Numerator: config.DefaultNumeratorCC, Denominator: config.DefaultDenominatorCC}
	if m.TimeSignatureCC.Numerator > 0 {
		cc.Numerator = uint8(m.TimeSignatureCC.Numerator)
	}
	if m.TimeSignatureCC.Denominator > 0 {
		cc.Denominator = uint8(m.TimeSignatureCC.Denominator)
	}
	maxLen := q.MaxLength
	if maxLen == 0 {
		maxLen = config.DefaultMaxQueueLength
	}
	return coordinator.Config{
		Channel:                  midiChannel(m.Channel),
		AllowCustomTimeSignature: m.AllowCustomTimeSignature,
		TimeSignatureCC:          cc,
		RequestTimeout:           timeout,
		RepetitionsPerLoop:       max(q.RepetitionsPerLoop, config.MinRepetitionsPerLoop),
		MaxQueueLength:           maxLen,
	}, nil
}

// midiChannel converts the 1-based config channel; 0 selects channel 1.
func midiChannel(ch int) uint8 {
	if ch <= 0 {
		return 0
	}
	return uint8(ch-1) & 0x0f
}

func mapTempo(cfg *config.Config) int {
	if cfg.MIDI.Tempo == 0 {
		return config.DefaultTempo
	}
	return cfg.MIDI.Tempo
}

func requestsOpen(cfg *config.Config) bool {
	return cfg.Queue.RequestsOpen == nil || *cfg.Queue.RequestsOpen
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, true, nil
}
