package metrics

import (
	"sort"
	"sync"
	"time"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
)

// Probe reads the state of one time source.
type Probe struct {
	// Acquired reports whether the source has a trustworthy time.
	Acquired func() bool
	// Now returns the source's current time estimate.
	Now func() time.Time
}

// SourceStats is a cached snapshot of one source.
type SourceStats struct {
	Name       string        `json:"name"`
	Acquired   bool          `json:"acquired"`
	Offset     time.Duration `json:"offset_ns"`
	LastUpdate time.Time     `json:"last_update"`
}

// Collector periodically samples registered time sources and updates the
// Prometheus registry with their offset from the local wall clock.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	clock    clock.Clock
	interval time.Duration
	started  time.Time
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.RWMutex
	probes     map[string]Probe
	stats      map[string]*SourceStats
	lastUpdate time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *logging.Logger, clk clock.Clock, interval time.Duration) *Collector {
	clk = clock.Or(clk)
	return &Collector{
		registry: Get(),
		logger:   logging.OrComponent(logger, "metrics"),
		clock:    clk,
		interval: interval,
		started:  clk.Now(),
		stopCh:   make(chan struct{}),
		probes:   make(map[string]Probe),
		stats:    make(map[string]*SourceStats),
	}
}

// Watch registers a source under name, replacing any previous probe.
func (c *Collector) Watch(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// Unwatch removes a source and its series.
func (c *Collector) Unwatch(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.probes, name)
	delete(c.stats, name)
	c.registry.ForgetSource(name)
}

// Start runs the collection loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	for {
		c.Collect()
		select {
		case <-c.clock.After(c.interval):
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect samples every watched source once.
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for name, p := range c.probes {
		st, ok := c.stats[name]
		if !ok {
			st = &SourceStats{Name: name}
			c.stats[name] = st
		}
		st.Acquired = p.Acquired()
		st.Offset = p.Now().Sub(now)
		st.LastUpdate = now

		c.registry.SetAcquired(name, st.Acquired)
		c.registry.SyncOffset.WithLabelValues(name).Set(st.Offset.Seconds())
	}
	c.registry.Uptime.Set(now.Sub(c.started).Seconds())
	c.lastUpdate = now
}

// GetSourceStats returns a copy of the cached snapshots sorted by name.
func (c *Collector) GetSourceStats() []SourceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]SourceStats, 0, len(c.stats))
	for _, st := range c.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetLastUpdate returns when Collect last ran.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
