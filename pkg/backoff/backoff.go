// Package backoff computes retry delays for work that is rescheduled rather
// than retried in a loop, such as orphaned webhook redelivery.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before the given attempt. Attempt 1 is the first
// retry. Implementations must be safe for concurrent use.
type Strategy interface {
	Next(attempt int) time.Duration
}

// Exponential grows the delay by Multiplier per attempt, randomised by
// ±Jitter and capped at Max. Zero fields take the defaults of Default().
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e Exponential) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := cmpOr(e.Initial, time.Minute)
	maxDelay := cmpOr(e.Max, 6*time.Hour)
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if e.Jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*e.Jitter
	}
	if delay > float64(maxDelay) || math.IsInf(delay, 0) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay)
}

// Linear returns Step*attempt capped at Max.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

func (l Linear) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return min(cmpOr(l.Step, time.Minute)*time.Duration(attempt), cmpOr(l.Max, 6*time.Hour))
}

// Fixed always waits Interval.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// Default is an exponential strategy starting at one minute and capped at
// six hours, with 10% jitter.
func Default() Strategy {
	return Exponential{
		Initial:    time.Minute,
		Max:        6 * time.Hour,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

func cmpOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
