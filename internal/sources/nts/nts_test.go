package nts

import (
	"context"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/juju/clock/testclock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	resp *ntp.Response
	err  error
}

func (s *fakeSession) Query() (*ntp.Response, error) {
	return s.resp, s.err
}

func goodResponse(now time.Time) *ntp.Response {
	return &ntp.Response{
		Time:          now,
		ClockOffset:   2 * time.Second,
		RTT:           15 * time.Millisecond,
		Stratum:       1,
		ReferenceTime: now.Add(-time.Minute),
		Leap:          ntp.LeapAddSecond,
	}
}

func newTestFetcher(clk *testclock.Clock, sessions map[string]*fakeSession, dials *[]string) *Fetcher {
	f := New([]string{"a.example", "b.example"}, clk, nil)
	f.newSession = func(addr string) (session, error) {
		*dials = append(*dials, addr)
		if s, ok := sessions[addr]; ok {
			return s, nil
		}
		return nil, errors.New("key exchange refused")
	}
	return f
}

func TestFetchSample(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	var dials []string
	f := newTestFetcher(clk, map[string]*fakeSession{"b.example": {resp: goodResponse(now)}}, &dials)

	s, err := f.FetchSample(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Second), s.Time)
	assert.Equal(t, now, s.Local)
	assert.Equal(t, 15*time.Millisecond, s.RoundTrip)
	assert.Equal(t, 1, s.LeapSecond)
	assert.Equal(t, []string{"a.example", "b.example"}, dials)

	// The session is reused.
	_, err = f.FetchSample(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, dials, 2)
}

func TestFetchSample_NoServer(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var dials []string
	f := newTestFetcher(clk, nil, &dials)

	_, err := f.FetchSample(context.Background(), clk.Now())
	assert.ErrorIs(t, err, ErrNoServer)
}

func TestFetchSample_InvalidResponse(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	resp := goodResponse(now)
	resp.Leap = ntp.LeapNotInSync
	var dials []string
	f := newTestFetcher(clk, map[string]*fakeSession{"a.example": {resp: resp}}, &dials)

	_, err := f.FetchSample(context.Background(), now)
	assert.Error(t, err)
}

func TestFetchSample_ReconnectsAfterFailures(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var dials []string
	f := newTestFetcher(clk, map[string]*fakeSession{"a.example": {err: errors.New("timeout")}}, &dials)

	for i := 0; i <= maxConsecutiveFailures; i++ {
		_, err := f.FetchSample(context.Background(), clk.Now())
		require.Error(t, err)
	}
	assert.Len(t, dials, 1)

	_, _ = f.FetchSample(context.Background(), clk.Now())
	assert.Len(t, dials, 2)
}

func TestClose(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var dials []string
	f := newTestFetcher(clk, map[string]*fakeSession{"a.example": {}}, &dials)
	require.NoError(t, f.Close())

	_, err := f.FetchSample(context.Background(), clk.Now())
	assert.Error(t, err)
	assert.Empty(t, dials)
}

func TestLeapSign(t *testing.T) {
	assert.Equal(t, 1, leapSign(ntp.LeapAddSecond))
	assert.Equal(t, -1, leapSign(ntp.LeapDelSecond))
	assert.Equal(t, 0, leapSign(ntp.LeapNoWarning))
}
