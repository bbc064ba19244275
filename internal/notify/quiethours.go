package notify

import (
	"fmt"
	"time"
)

// QuietHours suppresses non-exempt sends during a configured local time
// window. The window wraps midnight when Start > End (the default 22:00 to
// 07:00 does).
type QuietHours struct {
	Start  int // hour, 0-23
	End    int // hour, 0-23
	Exempt map[string]bool
}

// NewQuietHours builds the window from config values. The exempt list has
// already been validated against the closed type set at startup.
func NewQuietHours(start, end int, exempt []string) QuietHours {
	set := make(map[string]bool, len(exempt))
	for _, typ := range exempt {
		set[typ] = true
	}
	return QuietHours{Start: start, End: end, Exempt: set}
}

// Suppressed reports whether a notification of the given type must be held
// at time t. Exempt types always pass.
func (q QuietHours) Suppressed(t time.Time, notifType string) bool {
	if q.Exempt[notifType] {
		return false
	}
	return q.inWindow(t.Hour())
}

func (q QuietHours) inWindow(hour int) bool {
	if q.Start == q.End {
		return false // zero-width window
	}
	if q.Start < q.End {
		return hour >= q.Start && hour < q.End
	}
	// Wraps midnight: e.g. 22 -> 7 covers [22,24) and [0,7).
	return hour >= q.Start || hour < q.End
}

// ResumeAt returns when the quiet window ends for a send held at t. Callers
// use it to compute the requeue delay.
func (q QuietHours) ResumeAt(t time.Time) time.Time {
	resume := time.Date(t.Year(), t.Month(), t.Day(), q.End, 0, 0, 0, t.Location())
	if !resume.After(t) {
		resume = resume.Add(24 * time.Hour)
	}
	return resume
}

// QuietHoursError signals a deferral, not a failure. It carries the time
// the send becomes eligible again.
type QuietHoursError struct {
	ResumeAt time.Time
}

func (e *QuietHoursError) Error() string {
	return fmt.Sprintf("suppressed by quiet hours until %s", e.ResumeAt.Format(time.RFC3339))
}
