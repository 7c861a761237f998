package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"grimm.is/wallclock/internal/i18n"
	"grimm.is/wallclock/internal/leapsec"
	"grimm.is/wallclock/internal/ntp"
)

func TestMain(m *testing.M) {
	Printer = i18n.NewPrinter(language.English)
	os.Exit(m.Run())
}

func startNTPServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 128)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < ntp.PacketSize {
				continue
			}
			reply := make([]byte, ntp.PacketSize)
			reply[0] = ntp.Version<<3 | ntp.ModeServer
			reply[1] = 1
			copy(reply[12:16], "GPS\x00")
			copy(reply[24:32], buf[40:48])
			now := uint64(ntp.ToTimestamp(time.Now()))
			binary.BigEndian.PutUint64(reply[32:40], now)
			binary.BigEndian.PutUint64(reply[40:48], now)
			_, _ = pc.WriteTo(reply, addr)
		}
	}()
	t.Cleanup(func() {
		pc.Close()
		<-done
	})
	return pc.LocalAddr().String()
}

func TestRunQuery(t *testing.T) {
	addr := startNTPServer(t)

	opts := ntp.DefaultOptions()
	opts.Timeout = 500 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, RunQuery(ctx, &out, addr, opts))
	assert.Contains(t, out.String(), "Server:          "+addr)
	assert.Contains(t, out.String(), "Stratum:         1 (ref GPS)")
	assert.Contains(t, out.String(), "Leap indicator:  none")
}

func TestRunQuery_NoServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	opts := ntp.DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	opts.MaxRetries = 2
	opts.RetryDelay = time.Millisecond

	var out bytes.Buffer
	assert.Error(t, RunQuery(context.Background(), &out, addr, opts))
	assert.Empty(t, out.String())
}

func TestRunLeap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leap-seconds.list")
	table := "3644697600\t36\t# 1 Jul 2015\n3692217600\t37\t# 1 Jan 2017\n"
	require.NoError(t, os.WriteFile(path, []byte(table), 0o644))

	opts := leapsec.DefaultOptions()
	opts.URLs = []string{"file://" + path}

	var out bytes.Buffer
	require.NoError(t, RunLeap(context.Background(), &out, opts, true))
	assert.Contains(t, out.String(), "2015-07-01  36\n")
	assert.Contains(t, out.String(), "2017-01-01  37\n")
	assert.Contains(t, out.String(), "TAI-UTC: 37 s\n")
	assert.Contains(t, out.String(), "Pending: none\n")
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.hcl")
	require.NoError(t, os.WriteFile(good, []byte(`
ntp {
  servers = ["a.example", "b.example:4123"]
}
daytime {
  address = "time.nist.gov:13"
}
http {
  listen = "127.0.0.1:9000"
}
`), 0o644))

	var out bytes.Buffer
	require.NoError(t, RunCheck(&out, good))
	assert.Contains(t, out.String(), "good.hcl: OK (schema 1.0)")
	assert.Contains(t, out.String(), "ntp(a.example:123, b.example:4123) daytime(time.nist.gov:13)")
	assert.Contains(t, out.String(), "listen:  127.0.0.1:9000")

	bad := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(bad, []byte(`
logging {
  level = "loud"
}
`), 0o644))
	out.Reset()
	assert.Error(t, RunCheck(&out, bad))

	assert.Error(t, RunCheck(&out, filepath.Join(dir, "missing.hcl")))
}

func TestApp_Defaults(t *testing.T) {
	app := App()
	var out bytes.Buffer
	app.Writer = &out

	require.NoError(t, app.Run([]string{"wallclock", "defaults"}))
	assert.Contains(t, out.String(), "pool.ntp.org")
	assert.Contains(t, out.String(), "leap_seconds {")
}

func TestApp_MissingDefaultConfig(t *testing.T) {
	t.Setenv("WALLCLOCK_CONFIG", filepath.Join(t.TempDir(), "absent.hcl"))
	app := App()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out

	// An explicitly named file must exist.
	err := app.Run([]string{"wallclock", "leap"})
	assert.ErrorContains(t, err, "absent.hcl")
}
