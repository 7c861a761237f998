// Package clock provides the time sources used by the synchronisation engine.
// In production it is juju/clock's WallClock. Tests inject a testclock.Clock.
//
// Calendar helpers:
//
//	Leap seconds and the midnight poll guard are evaluated against UTC day and
//	month boundaries. StartOfDay, SinceMidnight and StartOfNextMonth are the
//	shared definitions of those boundaries.
package clock

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// MinReasonableYear is the earliest year we consider valid.
const MinReasonableYear = 2023

// Clock is the interface for time operations.
type Clock = clock.Clock

// Wall is the system clock.
var Wall Clock = clock.WallClock

// Or returns c, or the wall clock if c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Wall
	}
	return c
}

// --- Offset clock (simulated time) ---

// Offset is a Clock displaced from its base by an adjustable amount.
// Timers are delegated to the base clock unchanged.
type Offset struct {
	clock.Clock

	mu     sync.RWMutex
	offset time.Duration
}

// NewOffset creates an Offset clock over base.
func NewOffset(base Clock, d time.Duration) *Offset {
	return &Offset{Clock: Or(base), offset: d}
}

// Now returns the base time plus the offset.
func (o *Offset) Now() time.Time {
	return o.Clock.Now().Add(o.Get())
}

// Get returns the current offset.
func (o *Offset) Get() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.offset
}

// Set replaces the offset.
func (o *Offset) Set(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offset = d
}

// Advance moves the offset by d.
func (o *Offset) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offset += d
}

// --- Utilities ---

// IsReasonableTime returns true if year >= MinReasonableYear.
func IsReasonableTime(t time.Time) bool {
	return t.Year() >= MinReasonableYear
}

// StartOfDay returns UTC midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SinceMidnight returns how far t is past UTC midnight.
func SinceMidnight(t time.Time) time.Duration {
	return t.Sub(StartOfDay(t))
}

// StartOfNextMonth returns UTC midnight on the first day of the month after t.
func StartOfNextMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// NextHalfYear returns the next 1 January or 1 July (UTC) strictly after t.
// Those are the only dates leap seconds have ever been applied on.
func NextHalfYear(t time.Time) time.Time {
	u := t.UTC()
	july := time.Date(u.Year(), time.July, 1, 0, 0, 0, 0, time.UTC)
	if u.Before(july) {
		return july
	}
	return time.Date(u.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
}
