package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/franksops/sharesync/config"
)

// flagOverrides are persistent flags applied on top of the loaded config.
type flagOverrides struct {
	configPath     string
	logLevel       string
	stateDir       string
	backend        string
	fsRoot         string
	workers        int
	chunkSize      string
	maxConcurrency int
	maxBytesPerSec string
}

var flags flagOverrides

var rootCmd = &cobra.Command{
	Use:           "sharesync",
	Short:         "Resumable transfers and mirrors between local folders and remote shares",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to the config file (default "+config.DefaultPath+")")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.stateDir, "state-dir", "", "Directory holding checkpoints and the job journal")
	pf.StringVar(&flags.backend, "backend", "", "Remote backend: s3 or fs")
	pf.StringVar(&flags.fsRoot, "fs-root", "", "Root directory of <account>/<share> folders for the fs backend")
	pf.IntVar(&flags.workers, "workers", 0, "Number of jobs transferred at once")
	pf.StringVar(&flags.chunkSize, "chunk-size", "", "Bytes per transfer range, e.g. 4MiB")
	pf.IntVar(&flags.maxConcurrency, "max-concurrency", 0, "Parallel ranges per job")
	pf.StringVar(&flags.maxBytesPerSec, "max-bytes-per-sec", "", "Per-job bandwidth cap, e.g. 10MiB (0 is unlimited)")
}

// loadConfig loads the config and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("state-dir") {
		cfg.StateDir = flags.stateDir
	}
	if changed("backend") {
		cfg.Backend = flags.backend
	}
	if changed("fs-root") {
		cfg.FSRoot = flags.fsRoot
	}
	if changed("workers") {
		cfg.Workers = flags.workers
	}
	if changed("max-concurrency") {
		cfg.MaxConcurrency = flags.maxConcurrency
	}
	if changed("chunk-size") {
		if cfg.ChunkSize, err = config.ParseSize(flags.chunkSize); err != nil {
			return config.Config{}, err
		}
	}
	if changed("max-bytes-per-sec") {
		if cfg.MaxBytesPerSec, err = config.ParseSize(flags.maxBytesPerSec); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, err
	}
	log.SetLevel(level)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("sharesync failed")
		os.Exit(1)
	}
}
