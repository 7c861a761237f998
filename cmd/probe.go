package cmd

import (
	"context"
	"io"
	"time"

	refntp "github.com/beevik/ntp"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"grimm.is/wallclock/internal/ntp"
)

var probeCommand = &cli.Command{
	Name:      "probe",
	Usage:     "compare our NTP client against a reference implementation",
	ArgsUsage: "<server[:port]>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Value: defaultQueryTimeout,
			Usage: "time limit per client",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("probe takes exactly one server", 2)
		}
		return RunProbe(c.Context, c.App.Writer, c.Args().First(), c.Duration("timeout"))
	},
}

// ProbeResult holds both clients' view of one server.
type ProbeResult struct {
	Ours      *ntp.Sample
	Reference *refntp.Response
}

// Probe queries server with both clients concurrently.
func Probe(ctx context.Context, server string, opts ntp.Options) (*ProbeResult, error) {
	addr := ntp.JoinPort(server, ntp.DefaultPort)
	var res ProbeResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(gctx, opts.Timeout*time.Duration(max(opts.MaxRetries, 1)))
		defer cancel()
		s, err := ntp.Query(ctx, addr, opts)
		if err != nil {
			return errors.Wrap(err, "wallclock client")
		}
		res.Ours = s
		return nil
	})
	g.Go(func() error {
		r, err := refntp.QueryWithOptions(addr, refntp.QueryOptions{Timeout: opts.Timeout})
		if err != nil {
			return errors.Wrap(err, "reference client")
		}
		if err := r.Validate(); err != nil {
			return errors.Wrap(err, "reference client")
		}
		res.Reference = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunProbe prints the offsets both clients measured and how far apart they are.
func RunProbe(ctx context.Context, w io.Writer, server string, timeout time.Duration) error {
	opts := ntp.DefaultOptions()
	opts.Timeout = timeout
	res, err := Probe(ctx, server, opts)
	if err != nil {
		return err
	}
	ours := res.Ours.Time().Sub(res.Ours.LocalReceive)
	ref := res.Reference.ClockOffset

	Printer.Fprintf(w, "%-10s offset %-14s rtt %-14s stratum %d\n", "wallclock", ours, res.Ours.RoundTrip, res.Ours.Stratum)
	Printer.Fprintf(w, "%-10s offset %-14s rtt %-14s stratum %d\n", "reference", ref, res.Reference.RTT, res.Reference.Stratum)
	Printer.Fprintf(w, "difference %s\n", (ours - ref).Abs())
	return nil
}
