package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"midibot/internal/music"
	"midibot/internal/turnqueue"
)

// QueueType names one of the two playback lanes.
type QueueType string

const (
	// Priority holds one-shot chord requests. It always wins the bar.
	Priority QueueType = "chord"
	// Background holds looping requests that fill bars nobody else claims.
	Background QueueType = "loop"
)

// QueueTypes lists the lanes in evaluation order.
var QueueTypes = [...]QueueType{Priority, Background}

func ParseQueueType(s string) (QueueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chord", "chords", "sendchord", "priority":
		return Priority, nil
	case "loop", "loops", "sendloop", "background":
		return Background, nil
	}
	return "", fmt.Errorf("unknown queue type %q", s)
}

// SyncMode controls whether the background lane advances after a bar.
type SyncMode int

const (
	// SyncOff advances the background lane unless a repeat condition holds.
	SyncOff SyncMode = iota
	// SyncRepeat keeps replaying the current background request.
	SyncRepeat
)

func (m SyncMode) String() string {
	if m == SyncRepeat {
		return "repeat"
	}
	return "off"
}

func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return SyncOff, nil
	case "repeat", "on":
		return SyncRepeat, nil
	}
	return SyncOff, fmt.Errorf("unknown sync mode %q", s)
}

// Playing is what the device is currently sounding.
type Playing struct {
	Type QueueType
	Tag  string
}

// QueuedRequest is one row of ListQueue.
type QueuedRequest struct {
	Type      QueueType
	Turn      turnqueue.Turn
	Tag       string
	Requester string
	Favorite  bool
}

type TriggerOptions struct {
	AllowCustomTimeSignature bool
}

// Trigger performs device output for one request and returns once it finished sounding.
type Trigger interface {
	Trigger(ctx context.Context, p music.Progression, channel uint8, opts TriggerOptions, cc music.TimeSignatureCC, t QueueType) error
}

// Aliases persists named requests. Save must report an existing alias with
// an error wrapping ErrAliasConflict.
type Aliases interface {
	Exists(ctx context.Context, name string) (bool, error)
	Save(ctx context.Context, alias, request string) error
}

var (
	ErrDuplicateRequest        = turnqueue.ErrDuplicateRequest
	ErrRequestThrottled        = turnqueue.ErrRequestThrottled
	ErrRequestNotFound         = turnqueue.ErrRequestNotFound
	ErrStructuralInconsistency = turnqueue.ErrStructuralInconsistency

	ErrAliasConflict   = errors.New("alias already exists")
	ErrQueueFull       = errors.New("queue is full")
	ErrRequestsClosed  = errors.New("requests are closed")
	ErrAliasesDisabled = errors.New("alias storage disabled")
)

// Config is the runtime-adjustable part of the coordinator.
type Config struct {
	// Channel is 0-based (0..15).
	Channel                  uint8
	AllowCustomTimeSignature bool
	TimeSignatureCC          music.TimeSignatureCC

	RequestTimeout     time.Duration
	RepetitionsPerLoop int
	MaxQueueLength     int
}
