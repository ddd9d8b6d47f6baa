package utils

import "time"

// Clock supplies "now" so business-hours checks and the reminder sweep can be
// pinned in tests.
type Clock func() time.Time

func RealClock() time.Time {
	return time.Now()
}
