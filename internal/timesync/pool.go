package timesync

import (
	"math"
	"sync"
	"time"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/metrics"
	"grimm.is/wallclock/internal/ntp"
)

// Pool merges several sources into one outlier-filtered consensus.
//
// Near a leap second some members (typically public smearing servers) stretch
// the extra second over many hours instead of announcing it. Once such a
// member crosses the leap boundary without ever having announced the leap it
// is treated as a smearer and left out until the leap is well behind us.
type Pool struct {
	sources  []Source
	cfg      Config
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry
	registry *Registry
	id       string

	mu          sync.Mutex
	leapSign    int
	boundary    int64
	seenPending map[int]bool
	smearers    map[int]bool
	mono        *Monotonic

	closeOnce sync.Once
	closeErr  error
}

type reading struct {
	idx  int
	info TimeInfo
}

// NewPool creates a pool over sources and records it in reg. The pool owns
// the sources: Close closes them.
func NewPool(sources []Source, cfg Config, reg *Registry) *Pool {
	p := &Pool{
		sources:     sources,
		cfg:         cfg,
		clock:       clock.Or(cfg.Clock),
		logger:      logging.OrComponent(cfg.Logger, "pool"),
		metrics:     metrics.Get(),
		registry:    reg,
		seenPending: make(map[int]bool),
		smearers:    make(map[int]bool),
		mono:        NewMonotonic(cfg.BackslideThreshold),
	}
	p.id = reg.Add(p)
	return p
}

// NewNTPPool creates a pool with one Poller per server.
func NewNTPPool(servers []string, cfg Config, opts ntp.Options, reg *Registry) *Pool {
	sources := make([]Source, 0, len(servers))
	for _, server := range servers {
		sources = append(sources, NewPoller(server, cfg, opts, reg))
	}
	return NewPool(sources, cfg, reg)
}

// Start starts every member that has its own polling loop.
func (p *Pool) Start() {
	for _, src := range p.sources {
		if s, ok := src.(interface{ Start() }); ok {
			s.Start()
		}
	}
}

// Members returns the pooled sources.
func (p *Pool) Members() []Source {
	return p.sources
}

// Smearers returns the number of members currently suspected of smearing.
func (p *Pool) Smearers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.smearers)
}

// IsTimeAcquired reports whether any member has acquired time.
func (p *Pool) IsTimeAcquired() bool {
	for _, src := range p.sources {
		if src.IsTimeAcquired() {
			return true
		}
	}
	return false
}

// TimeInfo returns the consensus of the acquired members, or of all members
// when none is acquired. Members are read unbiased and bias is added after
// the backslide check.
func (p *Pool) TimeInfo(bias time.Duration) TimeInfo {
	readings := p.read()

	p.mu.Lock()
	defer p.mu.Unlock()

	var ti TimeInfo
	if len(readings) == 0 {
		ti = TimeInfo{Time: p.clock.Now().UnixMilli()}
	} else {
		ti = p.merge(readings)
	}
	ti = p.mono.Apply(ti).Shift(bias)
	ti.Text = FormatTime(ti.Time, ti.LeapExcess)
	return ti
}

func (p *Pool) read() []reading {
	var acquired, all []reading
	for i, src := range p.sources {
		r := reading{idx: i, info: src.TimeInfo(0)}
		all = append(all, r)
		if src.IsTimeAcquired() {
			acquired = append(acquired, r)
		}
	}
	if len(acquired) > 0 {
		return acquired
	}
	return all
}

// merge computes the consensus reading. Callers hold p.mu.
func (p *Pool) merge(readings []reading) TimeInfo {
	raw := make([]int64, len(readings))
	for i, r := range readings {
		raw[i] = r.info.Time
	}
	rawMean, _ := meanStdDev(raw)

	near := p.trackLeap(readings, rawMean)

	values := make([]int64, 0, len(readings))
	leap := 0
	for _, r := range readings {
		if near && p.smearers[r.idx] {
			continue
		}
		if r.info.LeapSecond != 0 {
			leap = r.info.LeapSecond
		}
		v := r.info.Time
		if near {
			v = p.normalize(r.info)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		// Every member smears; nothing better to offer than their average.
		near = false
		values = raw
	}

	c, dropped := consensus(values)
	if dropped > 0 {
		p.metrics.PoolOutliers.Add(float64(dropped))
	}
	ms := int64(math.Round(c))
	if !near {
		return TimeInfo{Time: ms, LeapSecond: leap}
	}
	return p.denormalize(ms)
}

// trackLeap updates the leap boundary and smearer suspicions and reports
// whether the readings are within the leap vicinity. Callers hold p.mu.
func (p *Pool) trackLeap(readings []reading, rawMean float64) bool {
	for _, r := range readings {
		sign := r.info.LeapSecond
		if sign == 0 {
			continue
		}
		p.seenPending[r.idx] = true
		if sign != p.leapSign {
			b := clock.NextHalfYear(time.UnixMilli(r.info.Time))
			if sign < 0 {
				b = b.Add(-time.Second)
			}
			p.leapSign = sign
			p.boundary = b.UnixMilli()
			p.logger.Info("Pool members announce leap second", "leap", sign, "boundary", b)
		}
	}
	if p.leapSign == 0 {
		return false
	}

	vicinity := float64(p.cfg.LeapVicinity.Milliseconds())
	if rawMean > float64(p.boundary)+vicinity {
		p.logger.Debug("Leap second behind us, clearing smear state", "smearers", len(p.smearers))
		p.leapSign = 0
		p.boundary = 0
		clear(p.seenPending)
		clear(p.smearers)
		p.metrics.PoolSmearers.Set(0)
		return false
	}

	for _, r := range readings {
		if p.seenPending[r.idx] || p.smearers[r.idx] {
			continue
		}
		if r.info.LeapSecond == 0 && r.info.Time >= p.boundary {
			p.smearers[r.idx] = true
			p.logger.Info("Pool member suspected of smearing leap second", "member", r.idx)
		}
	}
	p.metrics.PoolSmearers.Set(float64(len(p.smearers)))

	return math.Abs(rawMean-float64(p.boundary)) <= vicinity
}

// normalize maps a reading onto a timeline without the leap second's
// discontinuity. Callers hold p.mu.
func (p *Pool) normalize(ti TimeInfo) int64 {
	switch {
	case p.leapSign > 0 && ti.LeapExcess > 0:
		return p.boundary + ti.LeapExcess
	case p.leapSign > 0 && ti.LeapSecond == 0 && ti.Time >= p.boundary:
		return ti.Time + 1000
	case p.leapSign < 0 && ti.LeapSecond == 0 && ti.Time >= p.boundary:
		return ti.Time - 1000
	}
	return ti.Time
}

// denormalize is the inverse of normalize. Callers hold p.mu.
func (p *Pool) denormalize(c int64) TimeInfo {
	b := p.boundary
	if p.leapSign > 0 {
		switch {
		case c < b:
			return TimeInfo{Time: c, LeapSecond: 1}
		case c < b+1000:
			return TimeInfo{Time: b - 1, LeapSecond: 1, LeapExcess: c - b}
		}
		return TimeInfo{Time: c - 1000}
	}
	if c < b {
		return TimeInfo{Time: c, LeapSecond: -1}
	}
	return TimeInfo{Time: c + 1000}
}

// Close closes every member and deregisters the pool.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.registry.Remove(p.id)
		for _, src := range p.sources {
			if err := src.Close(); err != nil && p.closeErr == nil {
				p.closeErr = err
			}
		}
	})
	return p.closeErr
}

// consensus averages values after discarding those more than one standard
// deviation from the mean. It returns the average and how many were dropped.
func consensus(values []int64) (float64, int) {
	mean, sd := meanStdDev(values)
	kept := make([]int64, 0, len(values))
	for _, v := range values {
		if math.Abs(float64(v)-mean) <= sd {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 || len(kept) == len(values) {
		return mean, 0
	}
	m, _ := meanStdDev(kept)
	return m, len(values) - len(kept)
}

func meanStdDev(values []int64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := float64(v) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
