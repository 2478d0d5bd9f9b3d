package sched

import "time"

// dailyMarkers tracks once-per-day task execution by calendar date in the
// exchange timezone. In-memory only: a restart makes tasks eligible again,
// which is safe because every daily task is idempotent at the store level.
// Mutated only by the orchestrator's own cycle.
type dailyMarkers struct {
	lastRun map[string]string // task -> "2006-01-02"
}

func newDailyMarkers() *dailyMarkers {
	return &dailyMarkers{lastRun: make(map[string]string)}
}

// shouldRun reports whether task has not yet fired on now's calendar date and
// marks it fired. Marking happens before the task body runs so a task fires
// at most once per date even when it fails mid-way.
func (d *dailyMarkers) shouldRun(task string, now time.Time) bool {
	date := now.Format("2006-01-02")
	if d.lastRun[task] == date {
		return false
	}
	d.lastRun[task] = date
	return true
}
