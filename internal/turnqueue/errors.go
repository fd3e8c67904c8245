package turnqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrRequestThrottled = errors.New("request throttled")
	ErrRequestNotFound  = errors.New("request not found")
	// ErrStructuralInconsistency means the link chain is broken. Dequeue panics with it.
	ErrStructuralInconsistency = errors.New("queue structure inconsistent")
)

type throttledError struct {
	window    time.Duration
	remaining time.Duration
}

func (e *throttledError) Error() string {
	return fmt.Sprintf("%s: wait %s (window %s)", ErrRequestThrottled, e.remaining.Round(time.Second), e.window)
}

func (e *throttledError) Unwrap() error { return ErrRequestThrottled }

// ThrottleWindow returns the configured throttle window carried by a throttled error.
func ThrottleWindow(err error) (time.Duration, bool) {
	var te *throttledError
	if errors.As(err, &te) {
		return te.window, true
	}
	return 0, false
}

// ThrottleRemaining returns how long the requester still has to wait.
func ThrottleRemaining(err error) (time.Duration, bool) {
	var te *throttledError
	if errors.As(err, &te) {
		return te.remaining, true
	}
	return 0, false
}
