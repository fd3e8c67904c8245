package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"midibot/internal/coordinator"
	"midibot/internal/music"
	"midibot/internal/performance"
	"midibot/internal/turnqueue"
)

var (
	ErrBanned        = errors.New("requester is banned")
	ErrStoreDisabled = errors.New("storage disabled")
)

// usageError reports malformed arguments; its text is the usage line.
type usageError struct{ usage string }

func (e *usageError) Error() string { return "usage: " + e.usage }

func usage(c string) error { return &usageError{usage: c} }

func userMessage(err error) string {
	var ue *usageError
	switch {
	case errors.As(err, &ue):
		return "Usage: " + ue.usage
	case errors.Is(err, ErrBanned):
		return "You are not allowed to send requests."
	case errors.Is(err, coordinator.ErrRequestThrottled):
		if rem, ok := turnqueue.ThrottleRemaining(err); ok {
			return fmt.Sprintf("Please wait %s before sending another request.", roundUp(rem))
		}
		return "Please wait before sending another request."
	case errors.Is(err, coordinator.ErrDuplicateRequest):
		return "That request is already the last one in the queue."
	case errors.Is(err, coordinator.ErrRequestNotFound):
		return "Request not found."
	case errors.Is(err, coordinator.ErrAliasConflict):
		return "That alias already exists, or the request is itself an alias."
	case errors.Is(err, coordinator.ErrAliasesDisabled), errors.Is(err, ErrStoreDisabled):
		return "Saving is disabled on this bot."
	case errors.Is(err, coordinator.ErrQueueFull):
		return "The queue is full, try again later."
	case errors.Is(err, coordinator.ErrRequestsClosed):
		return "Requests are closed right now."
	case errors.Is(err, performance.ErrInvalidTempo):
		return "Tempo must be between 35 and 400 BPM."
	case errors.Is(err, music.ErrEmpty),
		errors.Is(err, music.ErrInvalidNote),
		errors.Is(err, music.ErrInvalidBeats),
		errors.Is(err, music.ErrInvalidTimeSignature),
		errors.Is(err, music.ErrTooManyChords):
		return "Invalid request: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, try again."
	}
	return "Something went wrong."
}

func roundUp(d time.Duration) time.Duration {
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}
