package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/franksops/sharesync/config"
	"github.com/franksops/sharesync/engine"
	"github.com/franksops/sharesync/provider"
	"github.com/franksops/sharesync/store"
	"github.com/franksops/sharesync/transfer"
	"github.com/franksops/sharesync/ui"
)

// app holds the wired components every command shares.
type app struct {
	cfg   config.Config
	log   *log.Logger
	store *store.BoltStore
	local *provider.LocalProvider
	share provider.Share
	exec  *engine.Executor
	queue *engine.Queue

	logFile *os.File
}

// newApp opens the state store and starts the queue. Jobs left in the
// journal by an earlier run are restored as Paused.
func newApp(ctx context.Context, cfg config.Config, logToFile bool) (*app, error) {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	a := &app{cfg: cfg, log: log.StandardLogger()}
	if logToFile {
		// The TUI owns the terminal.
		f, err := os.OpenFile(filepath.Join(cfg.StateDir, "sharesync.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		a.log.SetOutput(f)
	}

	st, err := store.NewBoltStore(cfg.CheckpointPath())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st

	a.local = provider.NewLocalProvider(afero.NewOsFs())
	a.share = newShare(cfg)
	a.exec = engine.NewExecutor(a.local, a.share, st,
		engine.WithLogger(a.log),
		engine.WithRetryPolicy(engine.RetryPolicy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: time.Duration(cfg.RetryBaseDelay),
		}),
		engine.WithDefaults(engine.Defaults{
			ChunkSize:      int64(cfg.ChunkSize),
			MaxConcurrency: cfg.MaxConcurrency,
			MaxBytesPerSec: int64(cfg.MaxBytesPerSec),
		}))

	tracker := engine.NewJobTracker(st, engine.DefaultCheckpointConfig, nil)
	a.queue = engine.NewQueue(ctx, a.exec, st,
		engine.WithWorkers(cfg.Workers),
		engine.WithJournal(tracker),
		engine.WithQueueLogger(a.log))
	if _, err := a.queue.Restore(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newShare(cfg config.Config) provider.Share {
	if cfg.Backend == config.BackendFS {
		return provider.NewFsShare(afero.NewBasePathFs(afero.NewOsFs(), cfg.FSRoot),
			provider.WithContentHashes(true))
	}
	accounts := make(map[string]provider.S3Account, len(cfg.Accounts))
	for name, acct := range cfg.Accounts {
		accounts[name] = provider.S3Account{
			Endpoint: acct.Endpoint,
			Region:   acct.Region,
			Profile:  acct.Profile,
		}
	}
	return provider.NewS3Share(accounts)
}

// Close stops the queue, pausing running jobs, and closes the store.
func (a *app) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close state store")
		}
	}
	if a.logFile != nil {
		a.log.SetOutput(os.Stderr)
		a.logFile.Close()
	}
}

// parseRemote parses account/share[/path].
func parseRemote(s string) (transfer.RemotePath, error) {
	parts := strings.SplitN(strings.Trim(strings.ReplaceAll(s, "\\", "/"), "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return transfer.RemotePath{}, fmt.Errorf("remote %q must look like account/share/path", s)
	}
	rp := transfer.RemotePath{Account: parts[0], Share: parts[1]}
	if len(parts) == 3 {
		rp.Path = transfer.NormalizeRemote(parts[2])
	}
	return rp, nil
}

// wait blocks until every job in ids is settled: terminal, or Paused. With
// showTUI the progress is rendered with bubbletea instead.
func (a *app) wait(ctx context.Context, events <-chan transfer.Snapshot, ids []string, showTUI bool) error {
	if len(ids) == 0 {
		return nil
	}
	if showTUI {
		p := tea.NewProgram(ui.NewTUIModel(a.queue, events, true), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("TUI failed: %w", err)
		}
		return ctx.Err()
	}

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	settle := func(s transfer.Snapshot) {
		if pending[s.ID] && (s.Status.Terminal() || s.Status == transfer.StatusPaused) {
			delete(pending, s.ID)
		}
	}
	for _, id := range ids {
		if s, ok := a.queue.Get(id); ok {
			settle(s)
		}
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-events:
			if !ok {
				return engine.ErrQueueClosed
			}
			if pending[s.ID] && s.Status == transfer.StatusRunning {
				a.log.WithFields(log.Fields{
					"job":   s.ID,
					"done":  s.BytesTransferred,
					"total": s.TotalBytes,
				}).Debug("Progress")
			}
			settle(s)
		}
	}
	return nil
}

// report prints the outcome of ids and returns an error when any did not
// complete.
func (a *app) report(ids []string) error {
	var failed int
	for _, id := range ids {
		s, ok := a.queue.Get(id)
		if !ok {
			continue
		}
		line := fmt.Sprintf("%-9s %s", s.Status, describe(s.Request))
		if s.Message != "" {
			line += " (" + s.Message + ")"
		}
		fmt.Println(line)
		if s.Status != transfer.StatusCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers did not complete", failed, len(ids))
	}
	return nil
}

func describe(req transfer.Request) string {
	if req.Direction == transfer.Download {
		return req.Remote.String() + " -> " + req.LocalPath
	}
	return req.LocalPath + " -> " + req.Remote.String()
}
