// Package nts fetches time samples over Network Time Security.
package nts

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/beevik/nts"
	"github.com/pkg/errors"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/timesync"
)

// maxConsecutiveFailures before the session is dropped and re-established,
// possibly with a different server.
const maxConsecutiveFailures = 5

// ErrNoServer is returned when no server accepts a key exchange.
var ErrNoServer = errors.New("nts: failed to connect to any server")

type session interface {
	Query() (*ntp.Response, error)
}

// Fetcher queries the first reachable NTS server.
type Fetcher struct {
	addrs      []string
	clock      clock.Clock
	logger     *logging.Logger
	newSession func(addr string) (session, error)

	mu       sync.Mutex
	session  session
	failures int
	closed   bool
}

// New creates a fetcher for the given key exchange servers ("host" or
// "host:port"), tried in order.
func New(addrs []string, clk clock.Clock, logger *logging.Logger) *Fetcher {
	return &Fetcher{
		addrs:  addrs,
		clock:  clock.Or(clk),
		logger: logging.OrComponent(logger, "nts"),
		newSession: func(addr string) (session, error) {
			return nts.NewSession(addr)
		},
	}
}

func (f *Fetcher) connect() (session, error) {
	for _, addr := range f.addrs {
		s, err := f.newSession(addr)
		if err == nil {
			f.logger.Info("Connected to NTS server", "server", addr)
			return s, nil
		}
		f.logger.Warn("NTS key exchange failed", "server", addr, "error", err)
	}
	return nil, ErrNoServer
}

func (f *Fetcher) current() (session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("nts: fetcher closed")
	}
	if f.session == nil {
		s, err := f.connect()
		if err != nil {
			return nil, err
		}
		f.session = s
	}
	return f.session, nil
}

func (f *Fetcher) failed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	if f.failures > maxConsecutiveFailures {
		f.session = nil
		f.failures = 0
	}
}

type result struct {
	resp *ntp.Response
	err  error
}

// FetchSample performs one authenticated exchange.
func (f *Fetcher) FetchSample(ctx context.Context, requested time.Time) (timesync.Sample, error) {
	s, err := f.current()
	if err != nil {
		return timesync.Sample{}, err
	}

	ch := make(chan result, 1)
	go func() {
		resp, err := s.Query()
		ch <- result{resp, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return timesync.Sample{}, ctx.Err()
	}
	local := f.clock.Now()

	if r.err == nil {
		r.err = r.resp.Validate()
	}
	if r.err != nil {
		f.failed()
		return timesync.Sample{}, errors.Wrap(r.err, "nts query")
	}

	f.mu.Lock()
	f.failures = 0
	f.mu.Unlock()

	return timesync.Sample{
		Time:       local.Add(r.resp.ClockOffset),
		Local:      local,
		RoundTrip:  r.resp.RTT,
		LeapSecond: leapSign(r.resp.Leap),
	}, nil
}

// Close drops the session. Sessions hold no socket between queries.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.session = nil
	return nil
}

func leapSign(l ntp.LeapIndicator) int {
	switch l {
	case ntp.LeapAddSecond:
		return 1
	case ntp.LeapDelSecond:
		return -1
	}
	return 0
}
