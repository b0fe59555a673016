package tracking

import (
	"fmt"
	"time"
)

// EstimateArrival turns a delivery slot ("HH:MM", 24-hour) into the display
// string shown on the tracking page. The result is formatted h:mm AM/PM and
// is computed once at order time; it is a display string, not a stored
// instant.
func EstimateArrival(slot string, now time.Time) (string, error) {
	target, err := arrivalTime(slot, now)
	if err != nil {
		return "", err
	}
	return target.Format("3:04 PM"), nil
}

// arrivalTime resolves the slot against now: today at the slot's wall time
// in now's location, or tomorrow when that instant has already passed.
func arrivalTime(slot string, now time.Time) (time.Time, error) {
	parsed, err := time.Parse("15:04", slot)
	if err != nil {
		return time.Time{}, fmt.Errorf("tracking: parse delivery slot %q: %w", slot, err)
	}
	target := time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target, nil
}
