package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"grimm.is/wallclock/internal/ntp"
)

var queryCommand = &cli.Command{
	Name:      "query",
	Usage:     "send one NTP request and print the reply",
	ArgsUsage: "<server[:port]>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Value: defaultQueryTimeout,
			Usage: "overall time limit",
		},
		&cli.IntFlag{
			Name:  "retries",
			Value: ntp.DefaultOptions().MaxRetries,
			Usage: "requests sent before giving up",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("query takes exactly one server", 2)
		}
		opts := ntp.DefaultOptions()
		opts.MaxRetries = c.Int("retries")
		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()
		return RunQuery(ctx, c.App.Writer, c.Args().First(), opts)
	},
}

// RunQuery queries server once and prints the decoded sample to w.
func RunQuery(ctx context.Context, w io.Writer, server string, opts ntp.Options) error {
	addr := ntp.JoinPort(server, ntp.DefaultPort)
	s, err := ntp.Query(ctx, addr, opts)
	if err != nil {
		return err
	}
	offset := s.Time().Sub(s.LocalReceive)

	Printer.Fprintf(w, "Server:          %s\n", addr)
	Printer.Fprintf(w, "Stratum:         %d (ref %s)\n", s.Stratum, s.ReferenceID)
	Printer.Fprintf(w, "Leap indicator:  %s\n", s.Leap)
	Printer.Fprintf(w, "Server time:     %s\n", s.Time().UTC().Format(time.RFC3339Nano))
	Printer.Fprintf(w, "Offset:          %s\n", offset)
	Printer.Fprintf(w, "Round trip:      %s\n", s.RoundTrip)
	Printer.Fprintf(w, "Root delay:      %s\n", s.RootDelay)
	Printer.Fprintf(w, "Root dispersion: %s\n", s.RootDispersion)
	fmt.Fprintln(w)
	return nil
}
