package timesync

import (
	"context"
	"io"
	"sync"
	"time"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/metrics"
	"grimm.is/wallclock/internal/ntp"
)

// referencePoint pairs an adopted time with the local reading it was adopted at.
type referencePoint struct {
	adopted time.Time
	local   time.Time
}

// Scheduler keeps one Fetcher's time synchronised and answers TimeInfo
// queries by extrapolating from the last adopted sample.
//
// Only the polling goroutine changes the adopted time and the drift model.
// TimeInfo may settle a due leap second, which is why it takes the write lock.
type Scheduler struct {
	name    string
	fetcher Fetcher
	cfg     Config
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	hasModel  bool
	base      time.Time
	baseLocal time.Time
	speed     float64
	points    []referencePoint
	errors    int

	pendingLeap  int
	leapBoundary time.Time

	mono *Monotonic

	cancel    context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewScheduler creates a scheduler for fetcher. Polling begins with Start.
func NewScheduler(name string, fetcher Fetcher, cfg Config) *Scheduler {
	if cfg.MaxBurstPolls < 1 {
		cfg.MaxBurstPolls = 1
	}
	if cfg.BurstAgreeCount < 1 {
		cfg.BurstAgreeCount = 1
	}
	return &Scheduler{
		name:    name,
		fetcher: fetcher,
		cfg:     cfg,
		clock:   clock.Or(cfg.Clock),
		logger:  logging.OrComponent(cfg.Logger, "timesync").WithFields(map[string]any{"source": name}),
		metrics: metrics.Get(),
		speed:   1,
		mono:    NewMonotonic(cfg.BackslideThreshold),
	}
}

// Name returns the name the scheduler reports metrics and logs under.
func (s *Scheduler) Name() string {
	return s.name
}

// Start launches the polling loop. The first exchange happens immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Close stops polling and closes the fetcher if it is an io.Closer.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if c, ok := s.fetcher.(io.Closer); ok {
			s.closeErr = c.Close()
		}
		s.wg.Wait()
		s.metrics.ForgetSource(s.name)
	})
	return s.closeErr
}

// IsTimeAcquired reports whether a sample has been adopted and the source
// has not failed more than MaxErrors times in a row since.
func (s *Scheduler) IsTimeAcquired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acquired()
}

func (s *Scheduler) acquired() bool {
	return s.hasModel && s.errors <= s.cfg.MaxErrors
}

// TimeInfo returns the current time estimate shifted by bias. Successive
// unbiased results never go backwards by less than BackslideThreshold; bias
// is added after that check.
func (s *Scheduler) TimeInfo(bias time.Duration) TimeInfo {
	return s.timeInfo(bias, false)
}

// ClockSpeed returns the estimated ratio of local to true elapsed time.
func (s *Scheduler) ClockSpeed() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speed
}

// ReferencePoints returns the number of retained drift reference points.
func (s *Scheduler) ReferencePoints() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// PendingLeap returns the sign of the announced leap second and the instant
// it takes effect.
func (s *Scheduler) PendingLeap() (int, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingLeap, s.leapBoundary
}

func (s *Scheduler) timeInfo(bias time.Duration, internal bool) TimeInfo {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := now
	if s.hasModel {
		s.settleLeap(now)
		t = s.extrapolate(now)
	}
	ti := renderLeap(t, s.pendingLeap, s.leapBoundary)
	ti.FromGPS = s.cfg.FromGPS
	if !internal {
		ti = s.mono.Apply(ti)
	}
	ti = ti.Shift(bias)
	ti.Text = FormatTime(ti.Time, ti.LeapExcess)
	return ti
}

// renderLeap converts a continuous time into a reading. Inside an inserted
// second the reading is held at the last millisecond before the boundary.
func renderLeap(t time.Time, leap int, boundary time.Time) TimeInfo {
	ti := TimeInfo{Time: t.UnixMilli(), LeapSecond: leap}
	if leap > 0 && !t.Before(boundary) && t.Before(boundary.Add(time.Second)) {
		ti.Time = boundary.UnixMilli() - 1
		ti.LeapExcess = t.Sub(boundary).Milliseconds()
	}
	return ti
}

// extrapolate returns the estimated true time at local reading now.
// Callers hold s.mu.
func (s *Scheduler) extrapolate(now time.Time) time.Time {
	elapsed := now.Sub(s.baseLocal)
	return s.base.Add(time.Duration(float64(elapsed) / s.speed))
}

// settleLeap applies a pending leap second once its boundary has passed.
// Callers hold s.mu.
func (s *Scheduler) settleLeap(now time.Time) {
	if s.pendingLeap == 0 {
		return
	}
	t := s.extrapolate(now)
	switch {
	case s.pendingLeap > 0 && !t.Before(s.leapBoundary.Add(time.Second)):
		s.shift(-time.Second)
	case s.pendingLeap < 0 && !t.Before(s.leapBoundary):
		s.shift(time.Second)
	default:
		return
	}
	s.logger.Info("Leap second applied", "leap", s.pendingLeap)
	s.pendingLeap = 0
	s.leapBoundary = time.Time{}
	s.metrics.SyncPendingLeap.WithLabelValues(s.name).Set(0)
}

// shift moves the adopted timeline, reference points included, by d.
func (s *Scheduler) shift(d time.Duration) {
	s.base = s.base.Add(d)
	for i := range s.points {
		s.points[i].adopted = s.points[i].adopted.Add(d)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		if delay > 0 && !s.sleep(ctx, delay) {
			return
		}
		if g, ok := s.fetcher.(Gate); ok && !g.CanPoll() {
			delay = s.cfg.PollCheckInterval
			continue
		}
		if wait := s.midnightDelay(s.estimate()); wait > 0 {
			delay = wait
			continue
		}
		delay = s.resync(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

// estimate returns the current best time without touching the published
// series.
func (s *Scheduler) estimate() time.Time {
	return time.UnixMilli(s.timeInfo(0, true).Time)
}

// midnightDelay returns how long to wait before an exchange may start, or
// zero when t is clear of UTC midnight.
func (s *Scheduler) midnightDelay(t time.Time) time.Duration {
	g := s.cfg.MidnightGuard
	if g <= 0 {
		return 0
	}
	since := clock.SinceMidnight(t)
	if since < g {
		return g - since
	}
	if until := 24*time.Hour - since; until <= g {
		return until + g
	}
	return 0
}

// resync runs one polling cycle and returns the delay before the next.
func (s *Scheduler) resync(ctx context.Context) time.Duration {
	agree := 0
	for n := 0; n < s.cfg.MaxBurstPolls; n++ {
		if n > 0 {
			if !s.sleep(ctx, s.cfg.BurstInterval) {
				return 0
			}
			if s.midnightDelay(s.estimate()) > 0 {
				break
			}
		}

		sample, err := s.fetcher.FetchSample(ctx, s.clock.Now())
		if ctx.Err() != nil {
			return 0
		}
		s.metrics.RecordPoll(s.name, err)
		if err != nil {
			if n == 0 {
				return s.fail(err)
			}
			s.logger.Debug("Burst poll failed", "error", err)
			break
		}
		s.metrics.RecordExchange(s.name, sample.RoundTrip.Seconds(), sample.SendDelay.Seconds())

		if s.cfg.MaxRoundTrip > 0 && sample.RoundTrip > s.cfg.MaxRoundTrip {
			if n > 0 {
				continue
			}
			s.logger.Debug("Round trip too long", "round_trip", sample.RoundTrip)
			if !s.IsTimeAcquired() {
				s.absorb(sample)
			}
			return s.cfg.SlowRetryDelay
		}

		delta := s.absorb(sample)
		if delta.Abs() <= s.cfg.BurstAgreement {
			agree++
		} else {
			agree = 0
		}
		if agree >= s.cfg.BurstAgreeCount {
			break
		}
	}
	return s.commit()
}

// fail records a failed exchange and returns the backoff.
func (s *Scheduler) fail(err error) time.Duration {
	s.mu.Lock()
	s.errors++
	lost := s.hasModel && s.errors == s.cfg.MaxErrors+1
	s.mu.Unlock()

	if ntp.IsKissOfDeath(err) {
		s.logger.Warn("Kiss of death received", "error", err)
	} else {
		s.logger.Debug("Time exchange failed", "error", err)
	}
	if lost {
		s.logger.Warn("Time polling failing, source no longer acquired", "error", err)
		s.metrics.SetAcquired(s.name, false)
	}
	return s.cfg.RetryDelay
}

// absorb folds a sample into the adopted time and returns the raw correction.
func (s *Scheduler) absorb(sm Sample) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasAcquired := s.acquired()
	var delta time.Duration
	if !s.hasModel {
		s.base = sm.Time
		s.hasModel = true
	} else {
		s.settleLeap(sm.Local)
		expected := s.extrapolate(sm.Local)
		delta = sm.Time.Sub(expected)
		s.base = expected.Add(s.damp(delta))
	}
	s.baseLocal = sm.Local
	s.errors = 0
	s.setLeap(sm)

	if !wasAcquired {
		s.logger.Info("Time acquired", "time", FormatTime(s.base.UnixMilli(), 0))
		s.metrics.SetAcquired(s.name, true)
	}
	return delta
}

// damp returns the part of a correction to apply now.
func (s *Scheduler) damp(delta time.Duration) time.Duration {
	mag := delta.Abs()
	if mag >= s.cfg.DampMin && mag < s.cfg.DampMax {
		return time.Duration(float64(delta) * s.cfg.DampFactor)
	}
	return delta
}

// setLeap records the leap second announced by a sample. Callers hold s.mu.
func (s *Scheduler) setLeap(sm Sample) {
	if sm.LeapSecond == s.pendingLeap {
		return
	}
	s.pendingLeap = sm.LeapSecond
	s.leapBoundary = time.Time{}
	if sm.LeapSecond != 0 {
		s.leapBoundary = clock.StartOfNextMonth(sm.Time)
		if sm.LeapSecond < 0 {
			s.leapBoundary = s.leapBoundary.Add(-time.Second)
		}
		s.logger.Info("Leap second pending", "leap", sm.LeapSecond, "boundary", s.leapBoundary)
	}
	s.metrics.SyncPendingLeap.WithLabelValues(s.name).Set(float64(s.pendingLeap))
}

// commit closes a polling cycle: it records a reference point, updates the
// drift estimate and returns the delay before the next cycle.
func (s *Scheduler) commit() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.points = append(s.points, referencePoint{adopted: s.base, local: s.baseLocal})
	cutoff := s.baseLocal.Add(-s.cfg.ReferenceWindow)
	for len(s.points) > 0 && s.points[0].local.Before(cutoff) {
		s.points = s.points[1:]
	}

	if len(s.points) >= 2 {
		first, last := s.points[0], s.points[len(s.points)-1]
		local := last.local.Sub(first.local)
		elapsed := last.adopted.Sub(first.adopted)
		if local > 0 {
			ratio := 0.0
			if elapsed > 0 {
				ratio = float64(local) / float64(elapsed)
			}
			if ratio < s.cfg.SaneSpeedLow || ratio > s.cfg.SaneSpeedHigh {
				s.logger.Debug("Implausible clock speed, resetting drift model", "ratio", ratio)
				s.points = nil
				s.speed = 1
				s.metrics.SyncDriftResets.WithLabelValues(s.name).Inc()
			} else {
				s.speed = min(max(ratio, s.cfg.MinClockSpeed), s.cfg.MaxClockSpeed)
			}
		}
	}

	s.metrics.SyncOffset.WithLabelValues(s.name).Set(s.base.Sub(s.baseLocal).Seconds())
	s.metrics.SyncClockSpeed.WithLabelValues(s.name).Set(s.speed)
	s.metrics.SyncReferencePoints.WithLabelValues(s.name).Set(float64(len(s.points)))

	if len(s.points) < s.cfg.MinReferencePoints {
		return s.cfg.EarlyPollInterval
	}
	return s.cfg.NormalPollInterval
}
