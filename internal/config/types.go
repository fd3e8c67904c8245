package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	MIDI     MIDIConfig     `json:"midi"`
	Queue    QueueConfig    `json:"queue"`

	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Overlay  *OverlayConfig  `json:"overlay,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChat receives the chat log sink and scheduled announcements.
	LogChat int64 `json:"log_chat,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MIDIConfig selects the output device and playback parameters.
//
// Example:
//
//	"midi": { "output": "loopMIDI", "channel": 1, "tempo": 120, "auto_start": true }
type MIDIConfig struct {
	// Output is matched case-insensitively as a substring of the port name.
	// Empty selects the first available output port.
	Output string `json:"output"`
	// Channel is 1-based (1..16).
	Channel                  int                   `json:"channel"`
	Tempo                    int                   `json:"tempo"`
	AllowCustomTimeSignature bool                  `json:"allow_custom_time_signature"`
	TimeSignatureCC          TimeSignatureCCConfig `json:"time_signature_cc"`
	// AutoStart starts the clock at boot.
	AutoStart bool `json:"auto_start"`
}

type TimeSignatureCCConfig struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// QueueConfig controls request admission and background repetition.
type QueueConfig struct {
	// RequestTimeout is a Go duration string; "0s" disables throttling.
	RequestTimeout     string `json:"request_timeout"`
	RepetitionsPerLoop int    `json:"repetitions_per_loop"`
	MaxLength          int    `json:"max_length"`
	// SyncMode is "off" or "repeat".
	SyncMode string `json:"sync_mode"`
	// RequestsOpen defaults to true when omitted.
	RequestsOpen *bool `json:"requests_open,omitempty"`
}

// ScheduleConfig declares cron jobs.
//
// Spec accepts an optional seconds field and descriptors such as "@hourly".
type ScheduleConfig struct {
	Enabled  bool          `json:"enabled"`
	Timezone string        `json:"timezone,omitempty"`
	Jobs     []ScheduleJob `json:"jobs"`
}

type ScheduleJob struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	Action string `json:"action"`
	// Timeout is a Go duration string; defaults to 30s.
	Timeout string `json:"timeout,omitempty"`
}

// OverlayConfig controls the OSC now-playing publisher.
type OverlayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	// Prefix is prepended to every OSC address (default "/midibot").
	Prefix string `json:"prefix,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./midibot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
