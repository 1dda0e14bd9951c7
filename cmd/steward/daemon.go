package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/stewardteam/steward/internal/api"
	"github.com/stewardteam/steward/internal/config"
	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/logging"
	"github.com/stewardteam/steward/internal/metrics"
	"github.com/stewardteam/steward/internal/process"
	"github.com/stewardteam/steward/internal/supervisor"
	"github.com/stewardteam/steward/internal/version"
)

var (
	daemonConfigPath string
	daemonNoDaemon   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Steward supervisor daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	daemonCmd.Flags().StringVarP(&daemonConfigPath, "config", "c", "", "path to config file")
	daemonCmd.Flags().BoolVarP(&daemonNoDaemon, "nodaemon", "n", false, "stay in the foreground even if daemonize is configured")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon() error {
	path, err := config.Resolve(daemonConfigPath)
	if err != nil {
		return err
	}

	cfg, warnings, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := config.ExpandVariables(cfg, path); err != nil {
		return err
	}

	logger, closeLog, err := logging.DaemonLogger(cfg.Steward.LogLevel, cfg.Steward.LogFormat, cfg.Steward.Logfile)
	if err != nil {
		return err
	}
	if closeLog != nil {
		defer closeLog()
	}

	for _, w := range warnings {
		logger.Warn(w)
	}

	if cfg.Steward.Daemonize && !daemonNoDaemon {
		parent, err := supervisor.Daemonize(logger)
		if err != nil {
			return err
		}
		if parent {
			return nil
		}
	}

	if cfg.Steward.Directory != "" {
		if err := os.Chdir(cfg.Steward.Directory); err != nil {
			return fmt.Errorf("cannot chdir to %s: %w", cfg.Steward.Directory, err)
		}
	}

	if cfg.Steward.Umask != "" {
		mask, err := process.ParseUmask(cfg.Steward.Umask)
		if err != nil {
			return err
		}
		process.ApplyUmask(mask)
	}

	// Pidfile and fd-limit handling belong to the run loop.
	supervisor.RootWarning(logger, anyUIDConfigured(cfg))

	if cfg.Server.Unix.File != "" {
		if err := supervisor.ValidateSocketPermissions(cfg.Server.Unix.File); err != nil {
			return err
		}
	}

	bus := events.NewBus()

	manager := process.NewManager(process.ExecSpawner{}, bus, logger)
	if err := manager.LoadConfig(cfg); err != nil {
		return err
	}

	col := metrics.New()
	col.SetBuildInfo(version.Version, runtime.Version())
	col.Observe(bus)

	sup := supervisor.New(cfg, manager, bus, logger)
	control := sup.Control()

	server := api.NewServer(cfg.Server, control, control, control, bus, logger,
		api.WithMetricsHandler(control.MetricsHandler(col)))

	// The API server lives exactly as long as the run loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sup.Done()
		cancel()
	}()
	go func() {
		if err := server.Serve(ctx); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("steward starting",
		"version", version.Version,
		"config", path,
		"pid", os.Getpid())

	return sup.Run()
}

func anyUIDConfigured(cfg *config.Config) bool {
	for _, p := range cfg.Programs {
		if p.UID != "" {
			return true
		}
	}
	for _, l := range cfg.Listeners {
		if l.UID != "" {
			return true
		}
	}
	return false
}
