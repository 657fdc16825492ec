package pipeline

import "time"

// materializeDays is how many whole days past "tomorrow" stay in scope.
const materializeDays = 3

// InWindow reports whether a due date falls inside the materialization
// window: the half-open interval from tomorrow 00:00 UTC to three days
// later. Due dates earlier today are stale and anything further out will be
// picked up by a later pass.
func InWindow(now time.Time, due time.Time) bool {
	start := startOfTomorrow(now)
	end := start.AddDate(0, 0, materializeDays)
	due = due.UTC()
	return !due.Before(start) && due.Before(end)
}

func startOfTomorrow(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
