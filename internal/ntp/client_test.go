package ntp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeServer answers NTP requests on a loopback UDP socket.
type fakeServer struct {
	conn     net.PacketConn
	requests atomic.Int32
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type replyFunc func(p *packet)

// startFakeServer runs handle for every request received. handle may call
// send any number of times (including zero).
func startFakeServer(t *testing.T, handle func(n int, req *packet, send replyFunc)) *fakeServer {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{conn: pc}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := decodePacket(buf[:n])
			if err != nil {
				continue
			}
			count := int(s.requests.Add(1))
			handle(count, req, func(p *packet) {
				pc.WriteTo(p.encode(), addr)
			})
		}
	}()

	t.Cleanup(s.stop)
	return s
}

func (s *fakeServer) stop() {
	s.stopOnce.Do(func() {
		s.conn.Close()
		s.wg.Wait()
	})
}

func (s *fakeServer) addr() string {
	return s.conn.LocalAddr().String()
}

// serverReply builds a well-formed reply to origin using now as the server's
// receive and transmit time.
func serverReply(origin Timestamp, now time.Time) *packet {
	ts := ToTimestamp(now)
	return &packet{
		Settings:      Version<<3 | ModeServer,
		Stratum:       2,
		Precision:     -20,
		ReferenceID:   0x7f000001,
		ReferenceTime: ts,
		OriginTime:    origin,
		ReceiveTime:   ts,
		TransmitTime:  ts,
	}
}

func testOptions() Options {
	return Options{
		Timeout:    200 * time.Millisecond,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func TestRequestTime_Delays(t *testing.T) {
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		rx := time.Now()
		time.Sleep(20 * time.Millisecond)
		p := serverReply(req.TransmitTime, rx)
		p.TransmitTime = ToTimestamp(rx.Add(5 * time.Millisecond))
		send(p)
	})

	c := NewClient(srv.addr(), testOptions())
	defer c.Close()

	s, err := c.RequestTime(context.Background(), time.Now())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, s.RoundTrip, time.Duration(0))
	assert.GreaterOrEqual(t, s.RoundTrip, 14*time.Millisecond)
	assert.Less(t, s.RoundTrip, time.Second)

	// RoundTrip and SendDelay follow from the four timestamps.
	local := s.LocalReceive.Sub(s.LocalSend)
	assert.Equal(t, local-s.TransmitTime.Sub(s.ReceiveTime), s.RoundTrip)
	assert.Equal(t, s.ReceiveTime.Sub(s.OriginTime), s.SendDelay)

	assert.Equal(t, uint8(2), s.Stratum)
	assert.Equal(t, "127.0.0.1", s.ReferenceID)
	assert.Equal(t, LeapNone, s.Leap)
	assert.True(t, s.Time().Equal(s.TransmitTime.Add(s.RoundTrip/2)))
	assert.Equal(t, int32(1), srv.requests.Load())
}

func TestRequestTime_NegativeRoundTripClamped(t *testing.T) {
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		now := time.Now()
		p := serverReply(req.TransmitTime, now)
		// Claims more processing time than the whole exchange took.
		p.TransmitTime = ToTimestamp(now.Add(time.Hour))
		send(p)
	})

	c := NewClient(srv.addr(), testOptions())
	defer c.Close()

	s, err := c.RequestTime(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), s.RoundTrip)
}

func TestRequestTime_KissOfDeath(t *testing.T) {
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		p := serverReply(req.TransmitTime, time.Now())
		p.Settings = byte(LeapUnsynchronized)<<6 | Version<<3 | ModeServer
		p.Stratum = 0
		p.ReferenceID = 0x52415445 // RATE
		send(p)
	})

	c := NewClient(srv.addr(), testOptions())
	defer c.Close()

	_, err := c.RequestTime(context.Background(), time.Now())
	require.Error(t, err)

	var kod *KissOfDeathError
	require.True(t, errors.As(err, &kod), "got %v", err)
	assert.Equal(t, "RATE", kod.Code)
	assert.True(t, IsKissOfDeath(err))
	assert.Equal(t, int32(1), srv.requests.Load(), "kiss of death must not be retried")

	// The client stays usable for later exchanges.
	_, err = c.RequestTime(context.Background(), time.Now())
	assert.True(t, IsKissOfDeath(err))
}

func TestRequestTime_Unsynchronized(t *testing.T) {
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		p := serverReply(req.TransmitTime, time.Now())
		p.Settings = byte(LeapUnsynchronized)<<6 | Version<<3 | ModeServer
		send(p)
	})

	c := NewClient(srv.addr(), testOptions())
	defer c.Close()

	_, err := c.RequestTime(context.Background(), time.Now())
	assert.True(t, errors.Is(err, ErrRetriesExhausted), "got %v", err)
	assert.Equal(t, int32(3), srv.requests.Load())
}

func TestRequestTime_RetriesExhausted(t *testing.T) {
	srv := startFakeServer(t, func(int, *packet, replyFunc) {})

	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	c := NewClient(srv.addr(), opts)
	defer c.Close()

	_, err := c.RequestTime(context.Background(), time.Now())
	assert.True(t, errors.Is(err, ErrRetriesExhausted), "got %v", err)
	assert.Contains(t, err.Error(), ErrTimeout.Error())
	assert.Equal(t, int32(3), srv.requests.Load())
}

func TestRequestTime_IgnoresStaleReply(t *testing.T) {
	staleAt := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	var first atomic.Uint64

	srv := startFakeServer(t, func(n int, req *packet, send replyFunc) {
		switch n {
		case 1:
			// Swallow the first request so the client retries.
			first.Store(uint64(req.TransmitTime))
		case 2:
			// A late answer to the first request arrives before the real one.
			send(serverReply(Timestamp(first.Load()), staleAt))
			send(serverReply(req.TransmitTime, time.Now()))
		}
	})

	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	c := NewClient(srv.addr(), opts)
	defer c.Close()

	s, err := c.RequestTime(context.Background(), time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, Timestamp(first.Load()), ToTimestamp(s.OriginTime))
	assert.WithinDuration(t, time.Now(), s.TransmitTime, 5*time.Second)
	assert.Equal(t, int32(2), srv.requests.Load())
}

func TestRequestTime_CoalescesConcurrentCalls(t *testing.T) {
	received := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		received <- struct{}{}
		<-release
		send(serverReply(req.TransmitTime, time.Now()))
	})

	opts := testOptions()
	opts.Timeout = 2 * time.Second
	c := NewClient(srv.addr(), opts)
	defer c.Close()

	type result struct {
		s   *Sample
		err error
	}
	results := make(chan result, 2)
	call := func() {
		s, err := c.RequestTime(context.Background(), time.Now())
		results <- result{s, err}
	}

	go call()
	<-received
	go call()
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Same(t, a.s, b.s)
	assert.Equal(t, int32(1), srv.requests.Load())
}

func TestRequestTime_ContextCancelsWaitOnly(t *testing.T) {
	release := make(chan struct{})
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		<-release
		send(serverReply(req.TransmitTime, time.Now()))
	})

	opts := testOptions()
	opts.Timeout = 2 * time.Second
	c := NewClient(srv.addr(), opts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.RequestTime(ctx, time.Now())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned exchange still completes for the next caller.
	close(release)
	s, err := c.RequestTime(context.Background(), time.Now())
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestDebugTime_Offset(t *testing.T) {
	var sent atomic.Int64
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		sent.Store(req.TransmitTime.Time().UnixNano())
		send(serverReply(req.TransmitTime, time.Now()))
	})

	c := NewClient(srv.addr(), testOptions())
	defer c.Close()
	c.SetDebugTime(time.Hour, 0)

	s, err := c.RequestTime(context.Background(), time.Now())
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().Add(time.Hour), time.Unix(0, sent.Load()), time.Second)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.TransmitTime, time.Second)
	assert.Less(t, s.SendDelay, time.Second)
	assert.Equal(t, LeapNone, s.Leap)
}

func TestDebugTime_LeapSelfClears(t *testing.T) {
	srv := startFakeServer(t, func(_ int, req *packet, send replyFunc) {
		send(serverReply(req.TransmitTime, time.Now()))
	})

	c := NewClient(srv.addr(), testOptions())
	defer c.Close()

	before := time.Date(2016, 12, 31, 23, 59, 50, 0, time.UTC)
	c.SetDebugTime(time.Until(before), 1)

	s, err := c.RequestTime(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, LeapAddSecond, s.Leap)
	_, leap := c.DebugTime()
	assert.Equal(t, 1, leap)

	after := time.Date(2017, 1, 1, 0, 0, 5, 0, time.UTC)
	offset := time.Until(after)
	c.SetDebugTime(offset, 1)

	s, err = c.RequestTime(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, LeapNone, s.Leap)
	assert.WithinDuration(t, after.Add(-time.Second), s.TransmitTime, 500*time.Millisecond)

	gotOffset, leap := c.DebugTime()
	assert.Equal(t, 0, leap)
	assert.Equal(t, offset-time.Second, gotOffset)
}

func TestClose_FailsPendingExchange(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	srv := startFakeServer(t, func(int, *packet, replyFunc) {})

	opts := testOptions()
	opts.Timeout = 5 * time.Second
	c := NewClient(srv.addr(), opts)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RequestTime(context.Background(), time.Now())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return srv.requests.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending exchange not released by Close")
	}

	_, err := c.RequestTime(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close())

	srv.stop()
	goleak.VerifyNone(t, ignore)
}

func TestNewClient_DefaultPort(t *testing.T) {
	c := NewClient("pool.ntp.org", Options{})
	defer c.Close()
	assert.Equal(t, "pool.ntp.org:123", c.Server())

	c6 := NewClient("[::1]:1123", Options{})
	defer c6.Close()
	assert.Equal(t, "[::1]:1123", c6.Server())

	assert.Equal(t, "[::1]:123", JoinPort("::1", DefaultPort))
	assert.Equal(t, "time.example:4123", JoinPort("time.example", 4123))
}
