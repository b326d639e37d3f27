package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a pending AfterFunc callback.
type Stopper interface {
	Stop() bool
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
func (Real) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}
