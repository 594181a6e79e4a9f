package main

import (
	"fmt"
	"path/filepath"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/sharesync/mirror"
	"github.com/franksops/sharesync/transfer"
)

var mirrorOpts struct {
	direction      string
	includeDeletes bool
	applyDeletes   bool
	paused         bool
	tui            bool
	pageSize       int
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Plan or apply a one-shot mirror between a local folder and a share",
}

var mirrorPlanCmd = &cobra.Command{
	Use:   "plan <local dir> <account/share/path>",
	Short: "Show what a mirror would change",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror(cmd, args, false)
	},
}

var mirrorApplyCmd = &cobra.Command{
	Use:   "apply <local dir> <account/share/path>",
	Short: "Enqueue the transfers of a mirror plan and wait for them",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror(cmd, args, true)
	},
}

func init() {
	pf := mirrorCmd.PersistentFlags()
	pf.StringVar(&mirrorOpts.direction, "direction", "upload", "upload mirrors the local folder onto the share, download the reverse")
	pf.BoolVar(&mirrorOpts.includeDeletes, "deletes", false, "Plan deletion of files that exist only at the destination")
	pf.IntVar(&mirrorOpts.pageSize, "page-size", 0, "Entries per remote listing request")
	mirrorApplyCmd.Flags().BoolVar(&mirrorOpts.applyDeletes, "apply-deletes", false, "Delete the files the plan marks for deletion")
	mirrorApplyCmd.Flags().BoolVar(&mirrorOpts.paused, "paused", false, "Enqueue the transfers without starting them")
	mirrorApplyCmd.Flags().BoolVar(&mirrorOpts.tui, "tui", false, "Render progress in a terminal UI")

	mirrorCmd.AddCommand(mirrorPlanCmd, mirrorApplyCmd)
	rootCmd.AddCommand(mirrorCmd)
}

func parseDirection(s string) (transfer.Direction, error) {
	switch strings.ToLower(s) {
	case "upload", "up":
		return transfer.Upload, nil
	case "download", "down":
		return transfer.Download, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

func runMirror(cmd *cobra.Command, args []string, apply bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir, err := parseDirection(mirrorOpts.direction)
	if err != nil {
		return err
	}
	localRoot, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	remoteRoot, err := parseRemote(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	a, err := newApp(ctx, cfg, apply && mirrorOpts.tui)
	if err != nil {
		return err
	}
	defer a.Close()

	planner := mirror.NewPlanner(mirror.NewWalker(a.local, a.share, mirrorOpts.pageSize), a.log)
	plan, err := planner.BuildPlan(ctx, mirror.Spec{
		Direction:      dir,
		LocalRoot:      localRoot,
		RemoteRoot:     remoteRoot,
		IncludeDeletes: mirrorOpts.includeDeletes,
	})
	if err != nil {
		return err
	}
	printPlan(plan)
	if !apply {
		return nil
	}

	events, unsubscribe := a.queue.Subscribe(1024)
	defer unsubscribe()
	res, execErr := mirror.Execute(ctx, plan, a.queue, mirror.ExecuteOptions{
		ApplyDeletes:  mirrorOpts.applyDeletes,
		LocalDeleter:  a.local,
		RemoteDeleter: a.share,
		Paused:        mirrorOpts.paused,
	})
	fmt.Printf("Enqueued %d transfers (%d already queued), deleted %d, skipped %d\n",
		len(res.JobIDs), res.Existing, res.Deleted, res.Skipped)
	if execErr != nil {
		a.log.WithError(execErr).Warn("Mirror finished with errors")
	}
	if mirrorOpts.paused {
		return execErr
	}

	for _, id := range res.JobIDs {
		if s, ok := a.queue.Get(id); ok && s.Status == transfer.StatusPaused {
			if err := a.queue.Resume(id); err != nil {
				return err
			}
		}
	}
	if err := a.wait(ctx, events, res.JobIDs, mirrorOpts.tui); err != nil {
		if ctx.Err() != nil {
			fmt.Println("Interrupted; remaining transfers resume with `sharesync jobs resume`.")
			return nil
		}
		return err
	}
	if err := a.report(res.JobIDs); err != nil {
		return err
	}
	return execErr
}

func printPlan(plan *mirror.Plan) {
	for _, it := range plan.Items {
		if it.Action == mirror.Skip {
			continue
		}
		var size int64
		switch {
		case it.Action == mirror.Delete && plan.Spec.Direction == transfer.Upload:
			size = it.Remote.Length
		case it.Action == mirror.Delete:
			size = it.Local.Length
		case plan.Spec.Direction == transfer.Upload:
			size = it.Local.Length
		default:
			size = it.Remote.Length
		}
		fmt.Printf("%-7s %10s  %s\n", it.Action, humanize.IBytes(uint64(size)), it.RelativePath)
	}
	fmt.Printf("%d to create, %d to update, %d to delete, %d unchanged\n",
		plan.Creates, plan.Updates, plan.Deletes, plan.Skips)
}
