// Package timesync runs the configured time sources and answers what time it
// is from the best of them.
package timesync

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"grimm.is/wallclock/internal/brand"
	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/config"
	"grimm.is/wallclock/internal/leapsec"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/metrics"
	"grimm.is/wallclock/internal/services"
	"grimm.is/wallclock/internal/sources/daytime"
	"grimm.is/wallclock/internal/sources/gps"
	"grimm.is/wallclock/internal/sources/nts"
	"grimm.is/wallclock/internal/timesync"
)

// Source names reported by Current.
const (
	SourceGPS     = "gps"
	SourcePool    = "ntp"
	SourceNTS     = "nts"
	SourceDaytime = "daytime"
	SourceLocal   = "local"
)

// collectInterval is how often source offsets are exported as metrics.
const collectInterval = 10 * time.Second

type namedSource struct {
	name string
	src  timesync.Source
}

// Service owns every running time source and the leap second table.
type Service struct {
	mu         sync.RWMutex
	logger     *logging.Logger
	clock      clock.Clock
	openDevice func(path string) (io.ReadCloser, error)
	cfg        *config.Config

	running   bool
	lastErr   error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	registry  *timesync.Registry
	leap      *leapsec.Service
	collector *metrics.Collector

	// In priority order.
	sources []namedSource
	pool    *timesync.Pool
	// Clamps Current across source switches.
	mono *timesync.Monotonic
}

var _ services.Service = (*Service)(nil)

// NewService creates a time service. Until Reload supplies a configuration
// it runs with config.DefaultConfig.
func NewService(logger *logging.Logger, clk clock.Clock) *Service {
	return &Service{
		logger: logging.OrComponent(logger, "timesync"),
		clock:  clock.Or(clk),
		mono:   timesync.NewMonotonic(timesync.DefaultConfig().BackslideThreshold),
		openDevice: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// SetDeviceOpener replaces how the GPS device is opened.
func (s *Service) SetDeviceOpener(open func(path string) (io.ReadCloser, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openDevice = open
}

func (s *Service) Name() string {
	return "TimeSync"
}

// Start builds and starts the configured sources.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	cfg := s.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s.mono = timesync.NewMonotonic(cfg.SyncTuning().BackslideThreshold)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.registry = timesync.NewRegistry(s.logger)

	leapOpts := cfg.LeapOptions()
	leapOpts.UserAgent = brand.UserAgent(brand.Version)
	leapOpts.Clock = s.clock
	leapOpts.Logger = s.logger.WithComponent("leapsec")
	s.leap = leapsec.New(leapOpts)

	if err := s.buildSources(cfg); err != nil {
		s.lastErr = err
		_ = s.registry.CloseAll()
		s.sources, s.pool = nil, nil
		cancel()
		return err
	}
	s.lastErr = nil

	s.collector = metrics.NewCollector(s.logger, s.clock, collectInterval)
	for _, ns := range s.sources {
		src := ns.src
		s.collector.Watch(ns.name, metrics.Probe{
			Acquired: src.IsTimeAcquired,
			Now:      func() time.Time { return time.UnixMilli(src.TimeInfo(0).Time) },
		})
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.collector.Start()
	}()
	go func() {
		defer s.wg.Done()
		// Warm the leap table so the first query does not wait on it.
		cd := s.leap.CurrentDelta(ctx, s.clock.Now())
		s.logger.Debug("Leap second table ready", "delta", cd.Delta, "pending", cd.PendingLeap)
	}()

	for _, ns := range s.sources {
		if st, ok := ns.src.(interface{ Start() }); ok {
			st.Start()
		}
	}
	s.running = true
	s.logger.Info("Time sources started", "sources", len(s.sources))
	return nil
}

// buildSources creates the sources named by cfg. Callers hold s.mu.
func (s *Service) buildSources(cfg *config.Config) error {
	tune := cfg.SyncTuning()
	tune.Clock = s.clock
	tune.Logger = s.logger

	s.sources = nil
	s.pool = nil

	if cfg.GPS != nil {
		dev, err := s.openDevice(cfg.GPS.Device)
		if err != nil {
			return errors.Wrapf(err, "open gps device %s", cfg.GPS.Device)
		}
		gpsTune := tune
		gpsTune.FromGPS = true
		rx := gps.New(dev, gps.Options{
			MaxFixAge: parseDuration(cfg.GPS.MaxFixAge),
			Leap:      s.leap,
			Clock:     s.clock,
			Logger:    s.logger.WithComponent("gps"),
		})
		sched := timesync.NewScheduler(SourceGPS, rx, gpsTune)
		s.registry.Add(sched)
		s.sources = append(s.sources, namedSource{SourceGPS, sched})
	}

	if servers := cfg.NTPServers(); len(servers) > 0 {
		s.pool = timesync.NewNTPPool(servers, tune, cfg.NTPOptions(), s.registry)
		s.sources = append(s.sources, namedSource{SourcePool, s.pool})
	}

	if cfg.NTS != nil {
		f := nts.New(cfg.NTS.Servers, s.clock, s.logger.WithComponent("nts"))
		sched := timesync.NewScheduler(SourceNTS, f, tune)
		s.registry.Add(sched)
		s.sources = append(s.sources, namedSource{SourceNTS, sched})
	}

	if cfg.Daytime != nil {
		f := daytime.New(cfg.Daytime.Address, daytime.Options{
			Timeout: parseDuration(cfg.Daytime.Timeout),
			Clock:   s.clock,
			Logger:  s.logger.WithComponent("daytime"),
		})
		sched := timesync.NewScheduler(SourceDaytime, f, tune)
		s.registry.Add(sched)
		s.sources = append(s.sources, namedSource{SourceDaytime, sched})
	}

	if len(s.sources) == 0 {
		return errors.New("no time sources configured")
	}
	return nil
}

func parseDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// Stop closes every source.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	if !s.running {
		return nil
	}
	s.cancel()
	s.collector.Stop()
	for _, ns := range s.sources {
		s.collector.Unwatch(ns.name)
	}
	err := s.registry.CloseAll()
	s.wg.Wait()
	s.sources, s.pool = nil, nil
	s.running = false
	return err
}

// Reload restarts the service with cfg.
func (s *Service) Reload(cfg *config.Config) (bool, error) {
	s.mu.Lock()
	if err := s.stopLocked(); err != nil {
		s.logger.Warn("Error closing time sources", "error", err)
	}
	s.cfg = cfg
	s.mu.Unlock()

	return true, s.Start(context.Background())
}

// Status returns status
func (s *Service) Status() services.ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := services.ServiceStatus{
		Name:    s.Name(),
		Running: s.running,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Current returns the time from the first acquired source in priority order:
// GPS, the NTP pool, NTS, daytime. Without any acquired source the pool's
// unfiltered average is used, and failing that the local clock. Switching
// sources never moves the unbiased answer back by less than the backslide
// threshold.
func (s *Service) Current(bias time.Duration) (timesync.TimeInfo, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, name := s.current()
	return s.mono.Apply(ti).Shift(bias), name
}

// current reads the preferred source unbiased. Callers hold s.mu.
func (s *Service) current() (timesync.TimeInfo, string) {
	for _, ns := range s.sources {
		if ns.src.IsTimeAcquired() {
			return ns.src.TimeInfo(0), ns.name
		}
	}
	if s.pool != nil {
		return s.pool.TimeInfo(0), SourcePool
	}
	now := s.clock.Now().UnixMilli()
	return timesync.TimeInfo{Time: now, Text: timesync.FormatTime(now, 0)}, SourceLocal
}

// Leap returns TAI-UTC now and any pending leap second.
func (s *Service) Leap(ctx context.Context) (leapsec.CurrentDelta, error) {
	s.mu.RLock()
	leap := s.leap
	s.mu.RUnlock()
	if leap == nil {
		return leapsec.CurrentDelta{}, errors.New("time service not started")
	}
	return leap.CurrentDelta(ctx, s.clock.Now()), nil
}

// LeapHistory returns the cached leap second table.
func (s *Service) LeapHistory(ctx context.Context) ([]leapsec.Entry, error) {
	s.mu.RLock()
	leap := s.leap
	s.mu.RUnlock()
	if leap == nil {
		return nil, errors.New("time service not started")
	}
	return leap.History(ctx), nil
}

// Sources returns the latest per-source snapshot and when it was taken.
func (s *Service) Sources() ([]metrics.SourceStats, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.collector == nil {
		return nil, time.Time{}
	}
	return s.collector.GetSourceStats(), s.collector.GetLastUpdate()
}
