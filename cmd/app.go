// Package cmd implements the wallclock command line.
package cmd

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"grimm.is/wallclock/internal/brand"
	"grimm.is/wallclock/internal/config"
	"grimm.is/wallclock/internal/i18n"
	"grimm.is/wallclock/internal/logging"
)

// Printer formats CLI output for the user's locale.
var Printer = i18n.NewCLIPrinter()

const defaultQueryTimeout = 5 * time.Second

// App returns the command line application.
func App() *cli.App {
	app := cli.NewApp()
	app.Name = brand.BinaryName
	app.Usage = brand.Description
	app.Version = brand.Version
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   brand.DefaultConfigPath(),
			Usage:   "configuration file (HCL or JSON)",
			EnvVars: []string{brand.ConfigEnvPrefix + "_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "override the configured log level (debug, info, warn, error)",
		},
	}
	app.Commands = []*cli.Command{
		runCommand,
		queryCommand,
		probeCommand,
		leapCommand,
		checkCommand,
		defaultsCommand,
	}
	return app
}

// loadConfig reads the file named by --config. A missing file at the default
// location yields the default configuration.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
		cfg := config.DefaultConfig()
		cfg.ApplyDefaults()
		return cfg, nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg and --log-level.
func newLogger(c *cli.Context, cfg *config.Config) (*logging.Logger, error) {
	lc := cfg.LoggerConfig()
	if v := c.String("log-level"); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return nil, err
		}
		lc.Level = level
	}
	logging.SetPrefix(brand.BinaryName)
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger, nil
}
