package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emilarner/simpicd/internal/cache"
	"github.com/emilarner/simpicd/internal/config"
	"github.com/emilarner/simpicd/internal/disposition"
	"github.com/emilarner/simpicd/internal/listener"
	"github.com/emilarner/simpicd/internal/logging"
)

// newServeCmd creates the serve subcommand: simpicd's daemon entry point.
func newServeCmd() *cobra.Command {
	cfg := config.Default()
	if err := config.LoadDotenv(cfg.DotenvPath()); err == nil {
		config.ApplyEnv(&cfg)
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simpicd daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(cfg)
		},
	}

	cmd.Flags().Uint16VarP(&cfg.Port, "port", "p", cfg.Port, "TCP port to listen on")
	cmd.Flags().StringVar(&cfg.RecycleBin, "recycle-bin", cfg.RecycleBin, "Directory files are moved to instead of being deleted")
	cmd.Flags().StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Directory holding the fingerprint cache")
	cmd.Flags().BoolVar(&cfg.ForceDelete, "force-delete", cfg.ForceDelete, "Permanently delete instead of moving to the recycle bin")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "Disable colorized log output")
	cmd.Flags().IntVarP(&cfg.ScanWorkers, "workers", "w", cfg.ScanWorkers, "Number of concurrent scan workers")

	return cmd
}

func runServe(cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.NoColor)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	c, err := cache.Open(cfg.CacheDir, log)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = c.Close() }()

	disposer := disposition.New(cfg.RecycleBin, cfg.ForceDelete, log)

	tmpDir := cfg.CacheDir
	ln, err := listener.New(cfg.Port, c, disposer, cfg.ScanWorkers, tmpDir, log)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer func() { _ = ln.Close() }()

	return ln.Serve()
}
