package cli

import (
	"context"
	"errors"

	"github.com/lucasnoah/autoheal/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API for failure reports and retries",
	Long: `Starts the HTTP API:

  GET  /healthz
  POST /v1/projects/{project}/failures   report a failed deployment
  POST /v1/failures/{id}/retry           start a manual retry
  GET  /v1/failures/{id}                 record, attempts and events

Write endpoints require the X-Autoheal-Secret header when server.webhook_secret
is set. With --monitor the deployment monitor runs in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Server.Addr
		}
		srv := server.New(server.Config{
			Store:      a.store,
			Runner:     a.orch,
			Credential: a.credential,
			Secret:     a.cfg.Server.WebhookSecret,
			Logger:     a.logger,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
		if withMonitor, _ := cmd.Flags().GetBool("monitor"); withMonitor {
			m := a.newMonitor(nil)
			g.Go(func() error {
				err := m.Run(gctx, nil)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default server.addr)")
	serveCmd.Flags().Bool("monitor", false, "Also run the deployment monitor")
}
