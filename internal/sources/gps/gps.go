// Package gps turns the NMEA stream of a satellite receiver into time samples.
package gps

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/leapsec"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/timesync"
)

// ErrStaleFix is returned when no fix has been received recently.
var ErrStaleFix = errors.New("gps: no recent fix")

// LeapTable reports pending leap seconds. NMEA carries no leap warning.
type LeapTable interface {
	CurrentDelta(ctx context.Context, now time.Time) leapsec.CurrentDelta
}

// Options configures a Receiver.
type Options struct {
	// MaxFixAge is how old the latest fix may be for the receiver to poll.
	MaxFixAge time.Duration
	Leap      LeapTable
	Clock     clock.Clock
	Logger    *logging.Logger
}

type fix struct {
	time  time.Time
	local time.Time
}

// Receiver reads sentences from a device until closed.
type Receiver struct {
	dev    io.ReadCloser
	opts   Options
	clock  clock.Clock
	logger *logging.Logger

	mu   sync.Mutex
	last fix

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts reading dev.
func New(dev io.ReadCloser, opts Options) *Receiver {
	if opts.MaxFixAge <= 0 {
		opts.MaxFixAge = 2 * time.Second
	}
	r := &Receiver{
		dev:    dev,
		opts:   opts,
		clock:  clock.Or(opts.Clock),
		logger: logging.OrComponent(opts.Logger, "gps"),
		done:   make(chan struct{}),
	}
	go r.read()
	return r
}

func (r *Receiver) read() {
	defer close(r.done)
	sc := bufio.NewScanner(r.dev)
	for sc.Scan() {
		t, err := parseRMC(sc.Text())
		if err != nil {
			if !errors.Is(err, errNotRMC) {
				r.logger.Debug("Ignoring sentence", "error", err)
			}
			continue
		}
		r.mu.Lock()
		r.last = fix{time: t, local: r.clock.Now()}
		r.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn("GPS device read failed", "error", err)
	}
}

func (r *Receiver) latest() (fix, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last.time.IsZero() || r.clock.Now().Sub(r.last.local) > r.opts.MaxFixAge {
		return fix{}, false
	}
	return r.last, true
}

// CanPoll reports whether a recent fix is available.
func (r *Receiver) CanPoll() bool {
	_, ok := r.latest()
	return ok
}

// FetchSample returns the latest fix. A leap second is announced on the day
// the leap table says one is due.
func (r *Receiver) FetchSample(ctx context.Context, requested time.Time) (timesync.Sample, error) {
	f, ok := r.latest()
	if !ok {
		return timesync.Sample{}, ErrStaleFix
	}
	s := timesync.Sample{Time: f.time, Local: f.local}
	if r.opts.Leap != nil {
		cd := r.opts.Leap.CurrentDelta(ctx, f.time)
		if cd.PendingLeap != 0 && clock.StartOfDay(cd.PendingLeapDate).Equal(clock.StartOfDay(f.time)) {
			s.LeapSecond = 1
			if cd.PendingLeap < 0 {
				s.LeapSecond = -1
			}
		}
	}
	return s, nil
}

// Close closes the device and waits for the reader to stop.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.dev.Close()
		<-r.done
	})
	return r.closeErr
}
