package cmd

import (
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"grimm.is/wallclock/internal/config"
)

var checkCommand = &cli.Command{
	Name:      "check",
	Usage:     "validate a configuration file",
	ArgsUsage: "[file]",
	Action: func(c *cli.Context) error {
		path := c.String("config")
		if c.NArg() > 0 {
			path = c.Args().First()
		}
		if err := RunCheck(c.App.Writer, path); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	},
}

var defaultsCommand = &cli.Command{
	Name:  "defaults",
	Usage: "print the default configuration as HCL",
	Action: func(c *cli.Context) error {
		_, err := c.App.Writer.Write(config.EncodeHCL(config.DefaultConfig()))
		return err
	},
}

// RunCheck loads path and prints a summary of the sources it enables.
func RunCheck(w io.Writer, path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}

	var sources []string
	if servers := cfg.NTPServers(); len(servers) > 0 {
		sources = append(sources, "ntp("+strings.Join(servers, ", ")+")")
	}
	if cfg.NTS != nil {
		sources = append(sources, "nts("+strings.Join(cfg.NTS.Servers, ", ")+")")
	}
	if cfg.Daytime != nil {
		sources = append(sources, "daytime("+cfg.Daytime.Address+")")
	}
	if cfg.GPS != nil {
		sources = append(sources, "gps("+cfg.GPS.Device+")")
	}

	Printer.Fprintf(w, "%s: OK (schema %s)\n", path, cfg.SchemaVersion)
	if len(sources) == 0 {
		Printer.Fprintf(w, "warning: no time sources enabled\n")
		return nil
	}
	Printer.Fprintf(w, "sources: %s\n", strings.Join(sources, " "))
	Printer.Fprintf(w, "listen:  %s\n", cfg.Listen())
	return nil
}
