package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/franksops/sharesync/api"
	"github.com/franksops/sharesync/capability"
	"github.com/franksops/sharesync/mirror"
)

var serveOpts struct {
	listen string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue behind an HTTP API with a websocket event stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = serveOpts.listen
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		svc := capability.NewService(a.share,
			capability.WithTTL(time.Duration(cfg.CapabilityTTL)),
			capability.WithLogger(a.log))
		planner := mirror.NewPlanner(mirror.NewWalker(a.local, a.share, 0), a.log)

		srv := api.NewServer(a.queue,
			api.WithLogger(a.log),
			api.WithCapability(svc),
			api.WithPlanner(planner, mirror.ExecuteOptions{
				LocalDeleter:  a.local,
				RemoteDeleter: a.share,
			}))
		return srv.ListenAndServe(ctx, cfg.Listen)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.listen, "listen", "", "Address to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)
}
