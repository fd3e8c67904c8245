package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: debug
  console: true
midi:
  output: loopMIDI
  channel: 2
  tempo: 90
  allow_custom_time_signature: true
  time_signature_cc: { numerator: 14, denominator: 15 }
queue:
  request_timeout: 30s
  repetitions_per_loop: 2
  sync_mode: repeat
schedule:
  enabled: true
  timezone: UTC
  jobs:
    - { name: close-night, spec: "0 0 23 * * *", action: close_requests }
storage:
  driver: file
  path: ./data/midibot
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestConfigManager_LoadYAML(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, 90, cfg.MIDI.Tempo)
	assert.Equal(t, 2, cfg.Queue.RepetitionsPerLoop)
	require.NotNil(t, cfg.Schedule)
	assert.Equal(t, "close_requests", cfg.Schedule.Jobs[0].Action)
	assert.Same(t, cfg, m.Get())
}

func TestConfigManager_RejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"telegram":{"token":"x"},"plugins":{}}`,
		"trailing.json": `{"telegram":{"token":"x"}}{}`,
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		_, err := NewConfigManager(p).Parse()
		assert.Error(t, err, name)
	}
}

func TestValidate_Ranges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"zero config ok", func(c *Config) {}, false},
		{"tempo too low", func(c *Config) { c.MIDI.Tempo = 34 }, true},
		{"tempo max ok", func(c *Config) { c.MIDI.Tempo = MaxTempo }, false},
		{"channel 17", func(c *Config) { c.MIDI.Channel = 17 }, true},
		{"timeout over a day", func(c *Config) { c.Queue.RequestTimeout = "24h1s" }, true},
		{"negative timeout", func(c *Config) { c.Queue.RequestTimeout = "-1s" }, true},
		{"repetitions 33", func(c *Config) { c.Queue.RepetitionsPerLoop = 33 }, true},
		{"bad sync mode", func(c *Config) { c.Queue.SyncMode = "loop" }, true},
		{"bad action", func(c *Config) {
			c.Schedule = &ScheduleConfig{Enabled: true, Jobs: []ScheduleJob{{Name: "a", Spec: "@hourly", Action: "explode"}}}
		}, true},
		{"bad storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var c Config
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret"}, MIDI: MIDIConfig{Tempo: 120}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "secret"}, MIDI: MIDIConfig{Tempo: 140}, Queue: QueueConfig{SyncMode: "repeat"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"midi", "queue"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestConfigManager_WatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"midi":{"tempo":100}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"midi":{"tempo":130}}`), 0o600))

	select {
	case cfg := <-sub:
		assert.Equal(t, 130, cfg.MIDI.Tempo)
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	_, err = ParseDurationOrDefault("x", "soon", time.Second)
	assert.ErrorContains(t, err, "invalid duration")
}
