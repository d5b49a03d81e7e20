package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/emilarner/simpicd/internal/cache"
	"github.com/emilarner/simpicd/internal/config"
	"github.com/emilarner/simpicd/internal/logging"
	"github.com/emilarner/simpicd/internal/progress"
	"github.com/emilarner/simpicd/internal/scanner"
)

type warmOptions struct {
	recursive bool
	workers   int
}

// stringMessage adapts a plain string to fmt.Stringer for internal/progress,
// which reports via Stringer rather than raw strings.
type stringMessage string

func (m stringMessage) String() string { return string(m) }

// newWarmCmd creates the warm subcommand: a local, connection-less Cache
// request that pre-populates the fingerprint cache before the
// daemon starts serving clients.
func newWarmCmd() *cobra.Command {
	cfg := config.Default()
	if err := config.LoadDotenv(cfg.DotenvPath()); err == nil {
		config.ApplyEnv(&cfg)
	}
	opts := &warmOptions{workers: cfg.ScanWorkers}

	cmd := &cobra.Command{
		Use:   "warm <dir>",
		Short: "Pre-populate the fingerprint cache for a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runWarm(args[0], cfg, opts)
		},
	}

	cmd.Flags().StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Directory holding the fingerprint cache")
	cmd.Flags().BoolVarP(&opts.recursive, "recursive", "r", false, "Descend into subdirectories")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of concurrent scan workers")
	cmd.Flags().BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "Disable colorized summary output")

	return cmd
}

func runWarm(dir string, cfg config.Config, opts *warmOptions) error {
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

	showProgress := isatty.IsTerminal(os.Stderr.Fd())
	bar := progress.New(showProgress, -1)
	bar.Describe(stringMessage(fmt.Sprintf("warming cache for %s", dir)))

	sc := scanner.New(c, opts.workers, log)
	sc.OnProgress(func(scanned int) {
		bar.Set(uint64(scanned))
	})
	result, err := sc.Scan(dir, opts.recursive)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}

	summary := stringMessage(fmt.Sprintf(
		"scanned %d files (%d skipped, %s re-fingerprinted)",
		result.FilesScanned, result.FilesSkipped, humanize.Bytes(uint64(result.BytesRehashed)),
	))
	bar.Finish(summary)

	if !cfg.NoColor {
		color.New(color.FgGreen, color.Bold).Printf("done: %d images cached\n", len(result.Images))
	} else {
		fmt.Printf("done: %d images cached\n", len(result.Images))
	}
	return nil
}
