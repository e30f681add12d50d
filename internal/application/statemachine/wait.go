package statemachine

import "time"

// WaitStrategy computes how long an entity waits before its next attempt. attempts is the
// entity's StateCount; zero means the state was just entered.
type WaitStrategy interface {
	Delay(attempts int) time.Duration
}

// ExponentialWait doubles the delay after each attempt, starting at Base and capped at Max.
type ExponentialWait struct {
	Base time.Duration
	Max  time.Duration
}

func (w ExponentialWait) Delay(attempts int) time.Duration {
	if attempts <= 0 || w.Base <= 0 {
		return 0
	}
	d := w.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if w.Max > 0 && d >= w.Max {
			return w.Max
		}
	}
	if w.Max > 0 && d > w.Max {
		return w.Max
	}
	return d
}

// FixedWait waits the same delay after every attempt.
type FixedWait struct {
	Interval time.Duration
}

func (w FixedWait) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	return w.Interval
}
