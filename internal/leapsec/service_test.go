package leapsec

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	twoEntries = "3644697600\t36\t# 1 Jul 2015\n3692217600\t37\t# 1 Jan 2017\n"
	oneEntry   = "3692217600\t37\t# 1 Jan 2017\n"
)

var threeEntries = "3550089600\t35\t# 1 Jul 2012\n" + twoEntries

type bulletinServer struct {
	*httptest.Server
	hits atomic.Int32

	mu     sync.Mutex
	body   string
	status int
}

func newBulletinServer(t *testing.T, body string) *bulletinServer {
	t.Helper()
	b := &bulletinServer{body: body, status: http.StatusOK}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		b.mu.Lock()
		body, status := b.body, b.status
		b.mu.Unlock()
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *bulletinServer) set(body string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.body, b.status = body, status
}

func newService(clk *testclock.Clock, urls ...string) *Service {
	return New(Options{URLs: urls, Clock: clk})
}

func TestCurrentDelta_PendingLeap(t *testing.T) {
	srv := newBulletinServer(t, twoEntries)
	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, srv.URL)

	cd := s.CurrentDelta(context.Background(), clk.Now())
	assert.Equal(t, 36, cd.Delta)
	assert.Equal(t, 1, cd.PendingLeap)
	assert.Equal(t, time.Date(2016, 12, 31, 0, 0, 0, 0, time.UTC), cd.PendingLeapDate)

	cd = s.CurrentDelta(context.Background(), time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, CurrentDelta{Delta: 37}, cd)

	cd = s.CurrentDelta(context.Background(), time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, CurrentDelta{}, cd)
}

func TestRefresh_MostCompleteTableWins(t *testing.T) {
	small := newBulletinServer(t, twoEntries)
	large := newBulletinServer(t, threeEntries)
	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, small.URL, large.URL)

	history := s.History(context.Background())
	require.Len(t, history, 3)
	assert.Equal(t, 35, history[0].Delta)
}

func TestRefresh_KeepsLargerCache(t *testing.T) {
	srv := newBulletinServer(t, threeEntries)
	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, srv.URL)
	require.Len(t, s.History(context.Background()), 3)

	srv.set(twoEntries, http.StatusOK)
	clk.Advance(8 * 24 * time.Hour)
	assert.Len(t, s.History(context.Background()), 3)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestRefresh_TooFewEntries(t *testing.T) {
	srv := newBulletinServer(t, oneEntry)
	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, srv.URL)

	assert.Empty(t, s.History(context.Background()))
	assert.Equal(t, CurrentDelta{}, s.CurrentDelta(context.Background(), clk.Now()))
	assert.Equal(t, int32(1), srv.hits.Load())

	// A small table is retried sooner than the weekly refresh.
	srv.set(twoEntries, http.StatusOK)
	clk.Advance(2 * time.Minute)
	assert.Len(t, s.History(context.Background()), 2)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestRefresh_FailureKeepsCache(t *testing.T) {
	srv := newBulletinServer(t, twoEntries)
	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, srv.URL)
	require.Len(t, s.History(context.Background()), 2)

	srv.set("", http.StatusInternalServerError)
	clk.Advance(8 * 24 * time.Hour)
	cd := s.CurrentDelta(context.Background(), time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 36, cd.Delta)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestRefresh_AllSourcesDown(t *testing.T) {
	srv := newBulletinServer(t, "")
	srv.set("", http.StatusNotFound)
	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, srv.URL, "gopher://nowhere/list", "file:///nonexistent/leap-seconds.list")

	assert.Equal(t, CurrentDelta{}, s.CurrentDelta(context.Background(), clk.Now()))
	assert.Empty(t, s.History(context.Background()))
}

func TestCoalescing(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, twoEntries)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 36, s.CurrentDelta(context.Background(), clk.Now()).Delta)
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 3; i++ {
		s.CurrentDelta(context.Background(), clk.Now())
		s.History(context.Background())
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestCallerContextBoundsWait(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, twoEntries)
	}))
	defer srv.Close()
	defer close(release)

	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, CurrentDelta{}, s.CurrentDelta(ctx, clk.Now()))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leap-seconds.list")
	require.NoError(t, os.WriteFile(path, []byte(threeEntries), 0o644))

	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := newService(clk, "file://"+path)
	assert.Len(t, s.History(context.Background()), 3)
}

func TestUserAgent(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.UserAgent())
		fmt.Fprint(w, twoEntries)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	s := New(Options{URLs: []string{srv.URL}, UserAgent: "Wallclock/test", Clock: clk})
	require.Len(t, s.History(context.Background()), 2)
	assert.Equal(t, "Wallclock/test", got.Load())
}

func TestSourceLabel(t *testing.T) {
	assert.Equal(t, "data.iana.org", sourceLabel("https://data.iana.org/time-zones/data/leap-seconds.list"))
	assert.Equal(t, "file", sourceLabel("file:///usr/share/zoneinfo/leap-seconds.list"))
}
