package runner

import "time"

// BootTimeExceeded reports whether an instance launched at launchTime
// has been up longer than the boot budget without registering. A nil
// launch time is never late: absence of data must not look like
// lateness to the reaper.
func BootTimeExceeded(launchTime *time.Time, budget time.Duration, now time.Time) bool {
	if launchTime == nil {
		return false
	}
	return now.After(launchTime.Add(budget))
}
