package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/franksops/sharesync/capability"
)

var probeCmd = &cobra.Command{
	Use:   "probe <account/share[/path]>",
	Short: "Check what can be done against a share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		rp, err := parseRemote(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		share := newShare(cfg)
		svc := capability.NewService(share, capability.WithTTL(time.Duration(cfg.CapabilityTTL)))

		snap := svc.Evaluate(ctx, capability.Context{
			Account: rp.Account,
			Share:   rp.Share,
			Path:    rp.Path,
			Profile: cfg.Accounts[rp.Account].Profile,
		})
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
		if snap.State != capability.Accessible {
			return fmt.Errorf("%s is not accessible: %s", rp, snap.State)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
