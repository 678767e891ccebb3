package monitor

import "time"

// Clock abstracts wall-clock time so tests can inject a fake one,
// following the capability-injection design of spec §9 ("pass only the
// specific capability each component needs").
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
