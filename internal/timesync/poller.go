package timesync

import (
	"context"
	"time"

	"grimm.is/wallclock/internal/ntp"
)

// Poller is a Scheduler bound to one NTP server.
type Poller struct {
	*Scheduler

	client   *ntp.Client
	registry *Registry
	id       string
}

// NewPoller creates a poller for server and records it in reg. The client
// uses the scheduler's clock and logger unless opts sets its own.
func NewPoller(server string, cfg Config, opts ntp.Options, reg *Registry) *Poller {
	if opts.Clock == nil {
		opts.Clock = cfg.Clock
	}
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	client := ntp.NewClient(server, opts)

	p := &Poller{
		Scheduler: NewScheduler(client.Server(), ntpFetcher{client}, cfg),
		client:    client,
		registry:  reg,
	}
	p.id = reg.Add(p)
	return p
}

// Server returns the host:port being polled.
func (p *Poller) Server() string {
	return p.client.Server()
}

// SetDebugTime makes the server appear displaced by offset and announcing a
// leap second of the given sign. For tests only.
func (p *Poller) SetDebugTime(offset time.Duration, leap int) {
	p.client.SetDebugTime(offset, leap)
}

// Close stops polling, releases the socket and deregisters the poller.
func (p *Poller) Close() error {
	p.registry.Remove(p.id)
	return p.Scheduler.Close()
}

type ntpFetcher struct {
	client *ntp.Client
}

func (f ntpFetcher) FetchSample(ctx context.Context, requested time.Time) (Sample, error) {
	s, err := f.client.RequestTime(ctx, requested)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Time:       s.Time(),
		Local:      s.LocalReceive,
		RoundTrip:  s.RoundTrip,
		SendDelay:  s.SendDelay,
		LeapSecond: s.Leap.Sign(),
	}, nil
}

func (f ntpFetcher) Close() error {
	return f.client.Close()
}
