package timesync

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/config"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/timesync"
)

const leapTable = "3644697600\t36\t# 1 Jul 2015\n3692217600\t37\t# 1 Jan 2017\n"

// startDaytime serves the current time in NIST format.
func startDaytime(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			now := time.Now().UTC()
			mjd := int(now.Sub(time.Date(1858, 11, 17, 0, 0, 0, 0, time.UTC)).Hours() / 24)
			fmt.Fprintf(conn, "\n%05d %s 00 0 0 0.0 UTC(NIST) * \n", mjd, now.Format("06-01-02 15:04:05"))
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func rmcNow() string {
	now := time.Now().UTC()
	body := fmt.Sprintf("GPRMC,%s,A,4807.038,N,01131.000,E,0.0,0.0,%s,,,A",
		now.Format("150405.00"), now.Format("020106"))
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, cs)
}

func testConfig(t *testing.T, src string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leap-seconds.list")
	require.NoError(t, os.WriteFile(path, []byte(leapTable), 0o644))

	src += fmt.Sprintf(`
leap_seconds {
  urls = ["file://%s"]
}
sync {
  max_burst_polls     = 1
  midnight_guard      = "0s"
  poll_check_interval = "20ms"
}
`, path)
	cfg, err := config.LoadHCL([]byte(src), "test.hcl")
	require.NoError(t, err)
	return cfg
}

func quietLogger() *logging.Logger {
	lc := logging.DefaultConfig()
	lc.Output = io.Discard
	return logging.New(lc)
}

func TestService_Daytime(t *testing.T) {
	addr := startDaytime(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := testConfig(t, fmt.Sprintf(`
ntp {
  enabled = false
}
daytime {
  address = %q
}
`, addr))

	svc := NewService(quietLogger(), nil)
	restarted, err := svc.Reload(cfg)
	require.NoError(t, err)
	assert.True(t, restarted)
	assert.Equal(t, "TimeSync", svc.Name())
	assert.True(t, svc.Status().Running)

	require.Eventually(t, func() bool {
		_, src := svc.Current(0)
		return src == SourceDaytime
	}, 5*time.Second, 10*time.Millisecond)

	ti, _ := svc.Current(0)
	assert.InDelta(t, time.Now().UnixMilli(), ti.Time, 2000)
	assert.False(t, ti.FromGPS)
	assert.NotEmpty(t, ti.Text)

	cd, err := svc.Leap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 37, cd.Delta)

	history, err := svc.LeapHistory(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.Eventually(t, func() bool {
		stats, updated := svc.Sources()
		return len(stats) == 1 && stats[0].Name == SourceDaytime && !updated.IsZero()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop(context.Background()))
	assert.False(t, svc.Status().Running)
	require.NoError(t, svc.Stop(context.Background()))
}

func TestService_GPSPreferred(t *testing.T) {
	addr := startDaytime(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := testConfig(t, fmt.Sprintf(`
ntp {
  enabled = false
}
daytime {
  address = %q
}
gps {
  device      = "/dev/gps0"
  max_fix_age = "1h"
}
`, addr))

	svc := NewService(quietLogger(), nil)
	var opened string
	svc.SetDeviceOpener(func(path string) (io.ReadCloser, error) {
		opened = path
		return io.NopCloser(strings.NewReader(rmcNow())), nil
	})
	_, err := svc.Reload(cfg)
	require.NoError(t, err)
	defer svc.Stop(context.Background())
	assert.Equal(t, "/dev/gps0", opened)

	require.Eventually(t, func() bool {
		_, src := svc.Current(0)
		return src == SourceGPS
	}, 5*time.Second, 10*time.Millisecond)

	ti, _ := svc.Current(0)
	assert.True(t, ti.FromGPS)
	assert.InDelta(t, time.Now().UnixMilli(), ti.Time, 2000)
}

func TestService_StartErrors(t *testing.T) {
	svc := NewService(quietLogger(), nil)
	svc.SetDeviceOpener(func(string) (io.ReadCloser, error) {
		return nil, errors.New("no such device")
	})

	_, err := svc.Reload(testConfig(t, `
ntp {
  enabled = false
}
gps {
  device = "/dev/gps0"
}
`))
	assert.ErrorContains(t, err, "no such device")
	st := svc.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.Error, "/dev/gps0")

	_, err = svc.Reload(testConfig(t, `
ntp {
  enabled = false
}
`))
	assert.ErrorContains(t, err, "no time sources")
}

func TestService_CurrentBeforeStart(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(quietLogger(), clock.Or(clk))

	ti, src := svc.Current(time.Second)
	assert.Equal(t, SourceLocal, src)
	assert.Equal(t, "2024-03-01T12:00:01.000Z", ti.Text)

	_, err := svc.Leap(context.Background())
	assert.Error(t, err)
	_, err = svc.LeapHistory(context.Background())
	assert.Error(t, err)

	stats, updated := svc.Sources()
	assert.Empty(t, stats)
	assert.True(t, updated.IsZero())
}

type fixedSource struct {
	info     timesync.TimeInfo
	acquired bool
}

func (f *fixedSource) IsTimeAcquired() bool { return f.acquired }
func (f *fixedSource) TimeInfo(bias time.Duration) timesync.TimeInfo { return f.info.Shift(bias) }
func (f *fixedSource) Close() error { return nil }

func TestService_CurrentNeverStepsBackOnSourceSwitch(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	now := clk.Now().UnixMilli()
	svc := NewService(quietLogger(), clock.Or(clk))

	gps := &fixedSource{info: timesync.TimeInfo{Time: now + 1000, FromGPS: true}, acquired: true}
	dt := &fixedSource{info: timesync.TimeInfo{Time: now + 200}, acquired: true}
	svc.sources = []namedSource{{SourceGPS, gps}, {SourceDaytime, dt}}

	ti, src := svc.Current(0)
	assert.Equal(t, SourceGPS, src)
	assert.Equal(t, now+1000, ti.Time)

	// Losing GPS falls back to daytime without going backwards.
	gps.acquired = false
	ti, src = svc.Current(0)
	assert.Equal(t, SourceDaytime, src)
	assert.Equal(t, now+1000, ti.Time)
	assert.False(t, ti.FromGPS)

	// A biased read does not disturb unbiased ones.
	ti, _ = svc.Current(3 * time.Second)
	assert.Equal(t, now+4000, ti.Time)
	ti, _ = svc.Current(0)
	assert.Equal(t, now+1000, ti.Time)

	// Once daytime catches up its own reading is returned.
	dt.info.Time = now + 1500
	ti, _ = svc.Current(0)
	assert.Equal(t, now+1500, ti.Time)
}
