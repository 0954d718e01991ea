package core

import (
	"errors"
	"fmt"
	"time"
)

var ErrClockRegression = errors.New("command timestamp precedes last accepted command")

// ClockValidator enforces that versioned command time never moves backwards.
// Equal timestamps are accepted.
// Not thread-safe: only accessed under the engine mutex.
type ClockValidator struct {
	last        time.Time
	regressions int64
}

func NewClockValidator() *ClockValidator {
	return &ClockValidator{}
}

// Validate checks at against the last accepted timestamp without advancing.
func (cv *ClockValidator) Validate(at time.Time) error {
	if at.Before(cv.last) {
		cv.regressions++
		return fmt.Errorf("%s before %s: %w", at.UTC().Format(time.RFC3339Nano), cv.last.UTC().Format(time.RFC3339Nano), ErrClockRegression)
	}
	return nil
}

// Advance records at as accepted.
func (cv *ClockValidator) Advance(at time.Time) {
	if at.After(cv.last) {
		cv.last = at
	}
}

func (cv *ClockValidator) Last() time.Time { return cv.last }

// Restore sets the last accepted timestamp (used during recovery).
func (cv *ClockValidator) Restore(at time.Time) { cv.last = at }

func (cv *ClockValidator) Regressions() int64 { return cv.regressions }
