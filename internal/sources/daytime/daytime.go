// Package daytime fetches time from a TCP daytime service (RFC 867). The NIST
// format, which carries a leap second warning and a health flag, is preferred;
// a few common free-form renderings are accepted as a fallback.
package daytime

import (
	"context"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/timesync"
)

// DefaultPort is the daytime service port.
const DefaultPort = 13

const maxReply = 256

// ErrUnhealthy is returned when a NIST server flags its own time as unreliable.
var ErrUnhealthy = errors.New("daytime: server reports unhealthy clock")

// Reply is a decoded daytime answer.
type Reply struct {
	Time       time.Time
	LeapSecond int
	// Advance is how far ahead of true time the server sent the reply.
	Advance time.Duration
}

// JJJJJ YY-MM-DD HH:MM:SS TT L H msADV UTC(NIST) OTM
var nistPattern = regexp.MustCompile(
	`(\d{5})\s+(\d{2}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})\s+(\d{2})\s+(\d)\s+(\d)\s+([\d.]+)\s+UTC\(NIST\)`)

var fallbackLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.ANSIC,
	time.UnixDate,
	"Monday, January 2, 2006 15:04:05-MST",
	time.RFC3339,
}

// ParseReply decodes a daytime reply.
func ParseReply(s string) (Reply, error) {
	if m := nistPattern.FindStringSubmatch(s); m != nil {
		t, err := time.Parse("06-01-02 15:04:05", m[2])
		if err != nil {
			return Reply{}, errors.Wrap(err, "daytime: bad NIST timestamp")
		}
		if m[5] != "0" {
			return Reply{}, ErrUnhealthy
		}
		r := Reply{Time: t}
		// The advance is informational; a garbled value leaves it zero.
		if adv, err := strconv.ParseFloat(m[6], 64); err == nil {
			r.Advance = time.Duration(adv * float64(time.Millisecond))
		}
		switch m[4] {
		case "1":
			r.LeapSecond = 1
		case "2":
			r.LeapSecond = -1
		}
		return r, nil
	}

	line := strings.TrimSpace(s)
	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, line); err == nil {
			return Reply{Time: t.UTC()}, nil
		}
	}
	return Reply{}, errors.Errorf("daytime: unrecognised reply %q", line)
}

// Options configures a Fetcher.
type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *logging.Logger
	Dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// Fetcher queries one daytime server.
type Fetcher struct {
	addr   string
	opts   Options
	clock  clock.Clock
	logger *logging.Logger
}

// New creates a fetcher for addr ("host" or "host:port").
func New(addr string, opts Options) *Fetcher {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	return &Fetcher{
		addr:   addr,
		opts:   opts,
		clock:  clock.Or(opts.Clock),
		logger: logging.OrComponent(opts.Logger, "daytime").WithFields(map[string]any{"server": addr}),
	}
}

// Addr returns the server address.
func (f *Fetcher) Addr() string {
	return f.addr
}

// FetchSample connects, reads one reply and closes the connection.
func (f *Fetcher) FetchSample(ctx context.Context, requested time.Time) (timesync.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	start := f.clock.Now()
	conn, err := f.opts.Dial(ctx, "tcp", f.addr)
	if err != nil {
		return timesync.Sample{}, errors.Wrapf(err, "dial %s", f.addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	data, err := io.ReadAll(io.LimitReader(conn, maxReply))
	if err != nil {
		return timesync.Sample{}, errors.Wrap(err, "read daytime reply")
	}
	local := f.clock.Now()

	reply, err := ParseReply(string(data))
	if err != nil {
		return timesync.Sample{}, err
	}
	f.logger.Debug("Daytime reply", "time", reply.Time, "leap", reply.LeapSecond, "advance", reply.Advance)

	return timesync.Sample{
		Time:       reply.Time,
		Local:      local,
		RoundTrip:  local.Sub(start),
		LeapSecond: reply.LeapSecond,
	}, nil
}
