// Package leapsec maintains the table of leap seconds announced in the IERS
// bulletin and answers what TAI-UTC is now and whether a leap is pending.
package leapsec

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/metrics"
)

// maxBulletinSize bounds a downloaded bulletin.
const maxBulletinSize = 1 << 20

// DefaultURLs are fetched concurrently; the most complete answer wins.
var DefaultURLs = []string{
	"https://hpiers.obspm.fr/iers/bul/bulc/ntp/leap-seconds.list",
	"https://data.iana.org/time-zones/data/leap-seconds.list",
	"file:///usr/share/zoneinfo/leap-seconds.list",
}

// Options configures a Service.
type Options struct {
	URLs []string
	// RefreshInterval is the age after which a usable table is fetched again.
	RefreshInterval time.Duration
	// RetryInterval spaces fetches while the table holds fewer than two
	// entries.
	RetryInterval time.Duration
	// Timeout bounds one refresh across all URLs.
	Timeout time.Duration

	HTTPClient *http.Client
	// UserAgent is sent with HTTP requests when set.
	UserAgent string
	Clock     clock.Clock
	Logger    *logging.Logger
}

// DefaultOptions returns the standard sources and intervals.
func DefaultOptions() Options {
	return Options{
		URLs:            DefaultURLs,
		RefreshInterval: 7 * 24 * time.Hour,
		RetryInterval:   time.Minute,
		Timeout:         30 * time.Second,
	}
}

// CurrentDelta describes TAI-UTC at an instant.
type CurrentDelta struct {
	Delta int `json:"delta"`
	// PendingLeap is the change at the next table entry, usually 0 or 1.
	PendingLeap int `json:"pendingLeap"`
	// PendingLeapDate is the last day before the change; zero when nothing
	// is pending.
	PendingLeapDate time.Time `json:"pendingLeapDate"`
}

// Service caches the leap second table. Queries refresh it lazily; a failed
// refresh keeps the previous table.
type Service struct {
	opts    Options
	client  *http.Client
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry

	group singleflight.Group

	mu        sync.RWMutex
	table     []Entry
	lastFetch time.Time
}

// New creates a Service. Zero option fields take their defaults.
func New(opts Options) *Service {
	def := DefaultOptions()
	if len(opts.URLs) == 0 {
		opts.URLs = def.URLs
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = def.RefreshInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Service{
		opts:    opts,
		client:  client,
		clock:   clock.Or(opts.Clock),
		logger:  logging.OrComponent(opts.Logger, "leapsec"),
		metrics: metrics.Get(),
	}
}

// CurrentDelta returns TAI-UTC at now and any pending leap. Without a usable
// table the answer is zero with nothing pending.
func (s *Service) CurrentDelta(ctx context.Context, now time.Time) CurrentDelta {
	s.ensure(ctx)
	cd := deltaAt(s.snapshot(), now)
	s.metrics.LeapDelta.Set(float64(cd.Delta))
	return cd
}

// History returns the cached table, oldest entry first.
func (s *Service) History(ctx context.Context) []Entry {
	s.ensure(ctx)
	return s.snapshot()
}

func (s *Service) snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.table))
	copy(out, s.table)
	return out
}

func (s *Service) stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastFetch.IsZero() {
		return true
	}
	age := s.clock.Now().Sub(s.lastFetch)
	if len(s.table) < 2 {
		return age >= s.opts.RetryInterval
	}
	return age >= s.opts.RefreshInterval
}

// ensure refreshes a stale table. Concurrent callers share one refresh; ctx
// only bounds the caller's wait.
func (s *Service) ensure(ctx context.Context) {
	if !s.stale() {
		return
	}
	ch := s.group.DoChan("refresh", func() (any, error) {
		s.refresh()
		return nil, nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (s *Service) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	results := make([][]Entry, len(s.opts.URLs))
	var g errgroup.Group
	for i, u := range s.opts.URLs {
		g.Go(func() error {
			entries, err := s.fetch(ctx, u)
			s.metrics.RecordLeapFetch(sourceLabel(u), err)
			if err != nil {
				s.logger.Debug("Leap second source failed", "url", u, "error", err)
				return err
			}
			results[i] = entries
			return nil
		})
	}
	fetchErr := g.Wait()

	var best []Entry
	for _, r := range results {
		if len(r) > len(best) {
			best = r
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFetch = s.clock.Now()
	if len(best) >= 2 && len(best) >= len(s.table) {
		s.table = best
		s.logger.Debug("Leap second table updated", "entries", len(best))
	} else if len(best) < 2 {
		s.logger.Warn("No usable leap second table fetched", "cached", len(s.table), "error", fetchErr)
	}
	s.metrics.LeapTableEntries.Set(float64(len(s.table)))
}

func (s *Service) fetch(ctx context.Context, rawURL string) ([]Entry, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", rawURL)
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open bulletin")
		}
		body = f
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, errors.Wrap(err, "build request")
		}
		if s.opts.UserAgent != "" {
			req.Header.Set("User-Agent", s.opts.UserAgent)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch %s", u.Host)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errors.Errorf("%s returned status %d", u.Host, resp.StatusCode)
		}
		body = resp.Body
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	defer body.Close()

	return Parse(io.LimitReader(body, maxBulletinSize))
}

func sourceLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	if u.Host != "" {
		return u.Host
	}
	return u.Scheme
}

// deltaAt evaluates table at now.
func deltaAt(table []Entry, now time.Time) CurrentDelta {
	if len(table) < 2 {
		return CurrentDelta{}
	}
	idx := -1
	for i, e := range table {
		if e.Time.After(now) {
			break
		}
		idx = i
	}
	if idx < 0 {
		return CurrentDelta{}
	}

	cd := CurrentDelta{Delta: table[idx].Delta}
	if idx+1 < len(table) {
		next := table[idx+1]
		cd.PendingLeap = next.Delta - table[idx].Delta
		cd.PendingLeapDate = next.Time.AddDate(0, 0, -1)
	}
	return cd
}
