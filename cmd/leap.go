package cmd

import (
	"context"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"grimm.is/wallclock/internal/brand"
	"grimm.is/wallclock/internal/leapsec"
	"grimm.is/wallclock/internal/logging"
)

var leapCommand = &cli.Command{
	Name:  "leap",
	Usage: "fetch the leap second table and print TAI-UTC",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "history",
			Usage: "print every table entry",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger, err := newLogger(c, cfg)
		if err != nil {
			return err
		}
		opts := cfg.LeapOptions()
		opts.UserAgent = brand.UserAgent(brand.Version)
		opts.Logger = logger.WithComponent("leapsec")
		return RunLeap(c.Context, c.App.Writer, opts, c.Bool("history"))
	},
}

// RunLeap prints the current TAI-UTC offset, any pending leap second and,
// with history set, the whole table.
func RunLeap(ctx context.Context, w io.Writer, opts leapsec.Options, history bool) error {
	logger := logging.OrComponent(opts.Logger, "leapsec")
	svc := leapsec.New(opts)
	table := svc.History(ctx)
	if len(table) == 0 {
		logger.Warn("No leap second table could be loaded", "urls", opts.URLs)
	}

	if history {
		for _, e := range table {
			Printer.Fprintf(w, "%s  %d\n", e.Time.UTC().Format(time.DateOnly), e.Delta)
		}
	}

	cd := svc.CurrentDelta(ctx, time.Now())
	Printer.Fprintf(w, "TAI-UTC: %d s\n", cd.Delta)
	if cd.PendingLeap != 0 {
		Printer.Fprintf(w, "Pending: %+d s after %s\n", cd.PendingLeap, cd.PendingLeapDate.Format(time.DateOnly))
	} else {
		Printer.Fprintf(w, "Pending: none\n")
	}
	return nil
}
