// Package ntp implements the client side of the simple NTP request/reply
// exchange at the byte level.
//
// A Client owns one UDP socket to one server. At most one exchange is in
// flight per Client; concurrent RequestTime calls join the pending exchange.
// Replies whose origin timestamp does not echo the most recent request are
// dropped, which keeps late answers to an earlier (retried) request from
// being mistaken for the current one.
package ntp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/retry"
	"github.com/pkg/errors"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
)

// Options configures a Client.
type Options struct {
	// Timeout bounds the wait for a reply to one request.
	Timeout time.Duration
	// MaxRetries is the number of requests sent before an exchange fails.
	MaxRetries int
	// RetryDelay is the pause between a failed attempt and the next one.
	RetryDelay time.Duration

	Clock  clock.Clock
	Logger *logging.Logger

	// Dial opens the datagram socket. Defaults to net.Dialer.DialContext.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultOptions returns the standard retry policy.
func DefaultOptions() Options {
	return Options{
		Timeout:    3 * time.Second,
		MaxRetries: 5,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Sample is the result of one successful exchange.
type Sample struct {
	Leap           LeapIndicator
	Version        uint8
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      time.Duration
	RootDispersion time.Duration
	ReferenceID    string

	ReferenceTime time.Time
	OriginTime    time.Time
	ReceiveTime   time.Time
	TransmitTime  time.Time

	// Local clock readings bracketing the exchange.
	LocalSend    time.Time
	LocalReceive time.Time

	RoundTrip time.Duration
	SendDelay time.Duration
}

// Time estimates true time at LocalReceive.
func (s *Sample) Time() time.Time {
	return s.TransmitTime.Add(s.RoundTrip / 2)
}

type call struct {
	done   chan struct{}
	sample *Sample
	err    error
}

// Client exchanges time requests with one server.
type Client struct {
	server string
	opts   Options
	clock  clock.Clock
	sim    *clock.Offset
	logger *logging.Logger

	mu         sync.Mutex
	conn       net.Conn
	pending    *call
	lastOrigin Timestamp
	debugLeap  int
	closed     bool
	closing    chan struct{}
}

// NewClient creates a client for server ("host" or "host:port").
func NewClient(server string, opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	clk := clock.Or(opts.Clock)

	addr := JoinPort(server, DefaultPort)

	return &Client{
		server:  addr,
		opts:    opts,
		clock:   clk,
		sim:     clock.NewOffset(clk, 0),
		logger:  logging.OrComponent(opts.Logger, "ntp").WithFields(map[string]any{"server": addr}),
		closing: make(chan struct{}),
	}
}

// JoinPort appends port to server unless it already names one.
func JoinPort(server string, port int) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, strconv.Itoa(port))
}

// Server returns the host:port this client talks to.
func (c *Client) Server() string {
	return c.server
}

// SetDebugTime displaces the client's notion of now by offset and makes every
// reply report a pending leap second of the given sign. Once the simulated
// clock is more than a second into the first day of a month the simulated
// leap is considered applied: it clears itself and the offset moves by the
// leap so the simulated server agrees with post-leap civil time.
func (c *Client) SetDebugTime(offset time.Duration, leap int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sim.Set(offset)
	c.debugLeap = leap
}

// DebugTime returns the current simulated offset and leap sign.
func (c *Client) DebugTime() (time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sim.Get(), c.debugLeap
}

// RequestTime performs one exchange. reference is the local time the request
// is considered to be sent at; later attempts add the local time elapsed
// since the call. Callers arriving while an exchange is in flight receive that
// exchange's result. ctx only bounds this caller's wait.
func (c *Client) RequestTime(ctx context.Context, reference time.Time) (*Sample, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	cl := c.pending
	if cl == nil {
		cl = &call{done: make(chan struct{})}
		c.pending = cl
		go c.exchange(reference, cl)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.sample, cl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) exchange(reference time.Time, cl *call) {
	start := c.clock.Now()

	var sample *Sample
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			sample, err = c.attempt(reference.Add(c.clock.Now().Sub(start)))
			return err
		},
		IsFatalError: isFatal,
		NotifyFunc: func(err error, attempt int) {
			c.logger.Debug("NTP attempt failed", "attempt", attempt, "error", err)
		},
		Attempts: c.opts.MaxRetries,
		Delay:    c.opts.RetryDelay,
		Clock:    c.clock,
		Stop:     c.closing,
	})
	if err != nil {
		sample = nil
		err = c.classify(err)
	}

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	cl.sample, cl.err = sample, err
	close(cl.done)
}

func (c *Client) classify(err error) error {
	switch {
	case retry.IsAttemptsExceeded(err):
		return errors.Wrapf(ErrRetriesExhausted, "%s after %d attempts: %v",
			c.server, c.opts.MaxRetries, retry.LastError(err))
	case retry.IsRetryStopped(err):
		return ErrClosed
	}
	return err
}

// attempt sends one request stamped localSend and waits for its reply.
func (c *Client) attempt(localSend time.Time) (*Sample, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	origin := ToTimestamp(localSend.Add(c.sim.Get()))
	c.mu.Lock()
	c.lastOrigin = origin
	c.mu.Unlock()

	sentAt := c.clock.Now()
	if _, err := conn.Write(encodeRequest(origin)); err != nil {
		return nil, c.transportError(conn, err, "send")
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return nil, c.transportError(conn, err, "set deadline")
	}

	buf := make([]byte, 2*PacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, c.transportError(conn, err, "receive")
		}
		receivedAt := c.clock.Now()

		p, err := decodePacket(buf[:n])
		if err != nil || p.mode() != ModeServer {
			continue
		}

		c.mu.Lock()
		expected := c.lastOrigin
		c.mu.Unlock()
		if p.OriginTime != expected {
			c.logger.Debug("Dropping reply with stale origin timestamp")
			continue
		}

		if p.Stratum == 0 {
			return nil, &KissOfDeathError{Server: c.server, Code: referenceString(0, p.ReferenceID)}
		}
		if p.leap() == LeapUnsynchronized {
			return nil, ErrUnsynchronized
		}
		return c.newSample(p, sentAt, receivedAt), nil
	}
}

func (c *Client) newSample(p *packet, sentAt, receivedAt time.Time) *Sample {
	offset := c.sim.Get()
	s := &Sample{
		Leap:           p.leap(),
		Version:        p.version(),
		Stratum:        p.Stratum,
		Poll:           p.Poll,
		Precision:      p.Precision,
		RootDelay:      shortDuration(p.RootDelay),
		RootDispersion: shortDuration(p.RootDispersion),
		ReferenceID:    referenceString(p.Stratum, p.ReferenceID),
		OriginTime:     p.OriginTime.Time(),
		LocalSend:      sentAt,
		LocalReceive:   receivedAt,
	}
	if !p.ReferenceTime.Time().IsZero() {
		s.ReferenceTime = p.ReferenceTime.Time().Add(offset)
	}
	s.ReceiveTime = p.ReceiveTime.Time().Add(offset)
	s.TransmitTime = p.TransmitTime.Time().Add(offset)

	s.RoundTrip = receivedAt.Sub(sentAt) - s.TransmitTime.Sub(s.ReceiveTime)
	if s.RoundTrip < 0 {
		s.RoundTrip = 0
	}
	s.SendDelay = s.ReceiveTime.Sub(s.OriginTime)

	c.applyDebugLeap(s)
	return s
}

// applyDebugLeap overrides the leap indicator with the simulated one and
// retires it once the simulated boundary has passed.
func (c *Client) applyDebugLeap(s *Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debugLeap == 0 {
		return
	}
	t := s.TransmitTime.UTC()
	if t.Day() == 1 && clock.SinceMidnight(t) > time.Second {
		shift := -time.Duration(c.debugLeap) * time.Second
		c.logger.Info("Simulated leap second applied", "leap", c.debugLeap)
		c.sim.Advance(shift)
		c.debugLeap = 0

		s.Leap = LeapNone
		s.OriginTime = s.OriginTime.Add(shift)
		s.ReceiveTime = s.ReceiveTime.Add(shift)
		s.TransmitTime = s.TransmitTime.Add(shift)
		if !s.ReferenceTime.IsZero() {
			s.ReferenceTime = s.ReferenceTime.Add(shift)
		}
		return
	}
	s.Leap = LeapFromSign(c.debugLeap)
}

func (c *Client) connection() (net.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	conn, err := c.opts.Dial(ctx, "udp", c.server)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.server)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	return conn, nil
}

// transportError drops a failed socket so the next attempt dials afresh.
func (c *Client) transportError(conn net.Conn, err error, op string) error {
	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
	if closed || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return errors.Wrap(err, op)
}

// Close releases the socket. A pending exchange fails with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Query performs a single exchange with server using a throwaway client.
func Query(ctx context.Context, server string, opts Options) (*Sample, error) {
	c := NewClient(server, opts)
	defer c.Close()
	return c.RequestTime(ctx, c.clock.Now())
}
