package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/sharesync/store"
	"github.com/franksops/sharesync/transfer"
)

var jobsOpts struct {
	tui bool
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the jobs recorded in the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := store.NewBoltStore(cfg.CheckpointPath())
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.ListJobs()
		if err != nil {
			return err
		}
		printJobs(jobs)
		return nil
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every paused job from its checkpoint and wait for them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := newApp(ctx, cfg, jobsOpts.tui)
		if err != nil {
			return err
		}
		defer a.Close()

		events, unsubscribe := a.queue.Subscribe(1024)
		defer unsubscribe()
		if a.queue.RunQueued() == 0 {
			fmt.Println("Nothing to resume.")
			return nil
		}

		var ids []string
		for _, s := range a.queue.Snapshot() {
			if s.Status.Active() {
				ids = append(ids, s.ID)
			}
		}
		if err := a.wait(ctx, events, ids, jobsOpts.tui); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		return a.report(ids)
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Forget completed, failed and canceled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		var removed int
		for _, s := range a.queue.Snapshot() {
			if !s.Status.Terminal() {
				continue
			}
			if err := a.queue.Remove(s.ID); err != nil {
				return err
			}
			removed++
		}
		fmt.Printf("Removed %d jobs\n", removed)
		return nil
	},
}

func init() {
	jobsResumeCmd.Flags().BoolVar(&jobsOpts.tui, "tui", false, "Render progress in a terminal UI")
	jobsCmd.AddCommand(jobsResumeCmd, jobsPruneCmd)
	rootCmd.AddCommand(jobsCmd)
}

func printJobs(jobs []transfer.Snapshot) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if oa, ob := jobs[a].Status.Order(), jobs[b].Status.Order(); oa != ob {
			return oa < ob
		}
		return jobs[a].UpdatedAt.After(jobs[b].UpdatedAt)
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tTRANSFER\tMESSAGE")
	for _, j := range jobs {
		progress := humanize.IBytes(uint64(j.BytesTransferred)) + " / " + humanize.IBytes(uint64(j.TotalBytes))
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Status, progress, describe(j.Request), j.Message)
	}
	w.Flush()
}
