package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"grimm.is/wallclock/internal/brand"
	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/config"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/services/timesync"
)

const shutdownTimeout = 10 * time.Second

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run the time sources and serve the HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "override the configured listen address",
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
		listen := cfg.Listen()
		if v := c.String("listen"); v != "" {
			listen = v
		}
		return RunServer(c.Context, cfg, c.String("config"), listen, logger)
	},
}

// RunServer runs the time service and its HTTP API until ctx is done or the
// process receives SIGINT or SIGTERM. SIGHUP reloads configPath.
func RunServer(ctx context.Context, cfg *config.Config, configPath, listen string, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if now := time.Now(); !clock.IsReasonableTime(now) {
		logger.Warn("Local clock looks unset, answers fall back to it until a source is acquired", "now", now)
	}

	svc := timesync.NewService(logger, nil)
	if _, err := svc.Reload(cfg); err != nil {
		return errors.Wrap(err, "start time service")
	}
	defer func() {
		if err := svc.Stop(context.Background()); err != nil {
			logger.Warn("Error stopping time service", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              listen,
		Handler:           newRouter(svc, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "addr", listen, "version", brand.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			reloadConfig(svc, configPath, logger)
		case err := <-serveErr:
			if err != nil {
				return errors.Wrap(err, "http server")
			}
			return nil
		case <-ctx.Done():
			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// reloadConfig rereads path and restarts svc with it. A bad file leaves the
// running configuration in place.
func reloadConfig(svc *timesync.Service, path string, logger *logging.Logger) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		logger.Error("Reload failed, keeping current configuration", "path", path, "error", err)
		return
	}
	if lc := cfg.LoggerConfig(); lc.Level != logger.GetLevel() {
		logger.SetLevel(lc.Level)
	}
	if _, err := svc.Reload(cfg); err != nil {
		logger.Error("Time service failed to restart", "error", err)
		return
	}
	logger.Info("Configuration reloaded", "path", path)
}
