// Package timesync turns noisy time samples into a steady "what time is it
// now" answer.
//
// A Scheduler drives one Fetcher: it polls on an adaptive cadence, damps
// corrections, estimates local clock drift from a rolling window of reference
// points and applies pending leap seconds at the month boundary. A Poller is a
// Scheduler bound to one NTP server. A Pool merges several Sources into one
// consensus and copes with members that smear leap seconds.
package timesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/wallclock/internal/clock"
)

// TimeInfo is a snapshot of a source's current time.
type TimeInfo struct {
	// Time is milliseconds since the Unix epoch.
	Time int64 `json:"time"`
	// LeapSecond is the pending leap second: -1, 0 or 1.
	LeapSecond int `json:"leapSecond"`
	// LeapExcess is the milliseconds elapsed inside an inserted leap second.
	// While it is non-zero Time is held at 23:59:59.999.
	LeapExcess int64  `json:"leapExcess"`
	Text       string `json:"text"`
	FromGPS    bool   `json:"fromGps,omitempty"`
}

// Source is anything that can answer the current time.
type Source interface {
	IsTimeAcquired() bool
	// TimeInfo returns the current time shifted by bias. It never blocks.
	TimeInfo(bias time.Duration) TimeInfo
	Close() error
}

// Sample is one observation of true time.
type Sample struct {
	// Time is the estimated true time at the local instant Local.
	Time  time.Time
	Local time.Time

	RoundTrip time.Duration
	SendDelay time.Duration

	// LeapSecond is the pending leap second the source announced.
	LeapSecond int
}

// Fetcher produces samples for a Scheduler.
type Fetcher interface {
	// FetchSample performs one exchange. requested is the local time the
	// exchange is considered to start at.
	FetchSample(ctx context.Context, requested time.Time) (Sample, error)
}

// Gate is implemented by fetchers that can temporarily refuse polling, for
// example a receiver without a fix.
type Gate interface {
	CanPoll() bool
}

// FormatTime renders a millisecond timestamp in UTC. During an inserted leap
// second (excess > 0) the seconds field reads 60.
func FormatTime(ms, excess int64) string {
	t := time.UnixMilli(ms).UTC()
	if excess > 0 {
		return t.Format("2006-01-02T15:04:") + fmt.Sprintf("60.%03dZ", min(excess, 999))
	}
	return t.Format("2006-01-02T15:04:05.000Z")
}

// instant returns the continuous time a reading stands for. A reading held
// inside an inserted second lies past the boundary by its excess.
func (ti TimeInfo) instant() time.Time {
	ms := ti.Time + ti.LeapExcess
	if ti.LeapExcess > 0 {
		ms++
	}
	return time.UnixMilli(ms)
}

// Shift returns ti moved by bias along the continuous timeline. A reading
// announcing a positive leap is held at the last millisecond of the month
// while the shifted instant lies inside the inserted second.
func (ti TimeInfo) Shift(bias time.Duration) TimeInfo {
	if bias == 0 {
		return ti
	}
	t := ti.instant().Add(bias)
	out := renderLeap(t, ti.LeapSecond, clock.StartOfNextMonth(t.Add(-time.Second)))
	out.FromGPS = ti.FromGPS
	out.Text = FormatTime(out.Time, out.LeapExcess)
	return out
}

// Monotonic suppresses small backward steps in a published time series.
type Monotonic struct {
	mu        sync.Mutex
	threshold time.Duration
	last      TimeInfo
	valid     bool
}

// NewMonotonic returns a clamp that hides steps back of up to threshold.
func NewMonotonic(threshold time.Duration) *Monotonic {
	return &Monotonic{threshold: threshold}
}

// Apply returns ti, or the previous reading when ti is a small step back.
func (m *Monotonic) Apply(ti TimeInfo) TimeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.valid && before(ti, m.last) {
		back := time.Duration(m.last.Time-ti.Time) * time.Millisecond
		if back <= m.threshold {
			out := m.last
			out.FromGPS = ti.FromGPS
			return out
		}
	}
	m.last = ti
	m.valid = true
	return ti
}

// before orders readings by time, then by leap excess.
func before(a, b TimeInfo) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	return a.LeapExcess < b.LeapExcess
}
