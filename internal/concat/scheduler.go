package concat

import "time"

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler owns the clock used by the buffers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (wallClock) Now() time.Time                            { return time.Now() }

// WallClock returns a Scheduler backed by the time package.
func WallClock() Scheduler { return wallClock{} }
