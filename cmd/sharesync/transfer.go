package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/franksops/sharesync/transfer"
)

type transferOptions struct {
	conflict  string
	directory bool
	paused    bool
	tui       bool
}

func (o *transferOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.conflict, "conflict", string(transfer.ConflictAsk),
		"What to do when the destination exists: Overwrite, Skip or Ask")
	cmd.Flags().BoolVar(&o.directory, "dir", false, "Create the destination directory instead of copying a file")
	cmd.Flags().BoolVar(&o.paused, "paused", false, "Enqueue without starting; resume later with `sharesync jobs resume`")
	cmd.Flags().BoolVar(&o.tui, "tui", false, "Render progress in a terminal UI")
}

var (
	uploadOpts   transferOptions
	downloadOpts transferOptions
)

var uploadCmd = &cobra.Command{
	Use:   "upload <local path> <account/share/path>",
	Short: "Upload a local file to a share",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, err := parseRemote(args[1])
		if err != nil {
			return err
		}
		return runTransfer(cmd, transfer.Upload, args[0], remote, uploadOpts)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <account/share/path> <local path>",
	Short: "Download a file from a share",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, err := parseRemote(args[0])
		if err != nil {
			return err
		}
		return runTransfer(cmd, transfer.Download, args[1], remote, downloadOpts)
	},
}

func init() {
	uploadOpts.register(uploadCmd)
	downloadOpts.register(downloadCmd)
	rootCmd.AddCommand(uploadCmd, downloadCmd)
}

// signalContext is canceled on SIGINT or SIGTERM. Running jobs are then
// paused with their checkpoints kept.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runTransfer(cmd *cobra.Command, dir transfer.Direction, local string, remote transfer.RemotePath, opts transferOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	local, err = filepath.Abs(local)
	if err != nil {
		return err
	}

	req := transfer.Request{
		Direction:   dir,
		LocalPath:   local,
		Remote:      remote,
		IsDirectory: opts.directory,
		Conflict:    transfer.ConflictPolicy(opts.conflict),
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Conflict == transfer.ConflictRename {
		return fmt.Errorf("choose the new name yourself and use --conflict Overwrite")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	a, err := newApp(ctx, cfg, opts.tui)
	if err != nil {
		return err
	}
	defer a.Close()

	events, unsubscribe := a.queue.Subscribe(256)
	defer unsubscribe()

	res, err := a.queue.EnqueueOrGetExisting(req, !opts.paused)
	if err != nil {
		return err
	}
	if !res.AddedNew {
		fmt.Printf("Transfer already queued as job %s (%s)\n", res.Snapshot.ID, res.Snapshot.Status)
		if res.Snapshot.Status == transfer.StatusPaused && !opts.paused {
			if err := a.queue.Resume(res.Snapshot.ID); err != nil {
				return err
			}
		}
	}
	if opts.paused {
		fmt.Printf("Enqueued paused job %s\n", res.Snapshot.ID)
		return nil
	}

	ids := []string{res.Snapshot.ID}
	if err := a.wait(ctx, events, ids, opts.tui); err != nil {
		if ctx.Err() != nil {
			fmt.Println("Interrupted; the transfer resumes from its checkpoint with `sharesync jobs resume`.")
			return nil
		}
		return err
	}
	return a.report(ids)
}
