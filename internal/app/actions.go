package app

import (
	"context"

	"midibot/internal/coordinator"
	"midibot/internal/performance"
	"midibot/internal/schedule"
)

// scheduleActions binds the action names accepted in schedule.jobs[].action.
func scheduleActions(sched *performance.Scheduler, ann *announcer) map[string]schedule.Action {
	coord := sched.Coordinator()
	do := func(fn func()) schedule.Action {
		return func(context.Context) error { fn(); return nil }
	}
	return map[string]schedule.Action{
		"open_requests":  do(func() { coord.SetRequestsOpen(true) }),
		"close_requests": do(func() { coord.SetRequestsOpen(false) }),
		"clear_chords":   do(func() { coord.ClearQueue(coordinator.Priority) }),
		"clear_loops":    do(func() { coord.ClearQueue(coordinator.Background) }),
		"clear_all":      do(coord.ClearAll),
		"announce_queue": ann.AnnounceQueue,
		"sync":           func(context.Context) error { return sched.Sync() },
		"start_clock":    func(context.Context) error { return sched.Start() },
		"stop_clock":     func(context.Context) error { return sched.Stop() },
	}
}
