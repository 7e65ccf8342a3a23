package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/conductor/internal/telemetry"
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /metrics, /health and /runs until interrupted",
		Long: `Serve the telemetry endpoints. The address comes from conductor.yaml
(telemetry.address), CONDUCTOR_TELEMETRY_ADDR or --addr, in increasing order
of precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()

			settings := telemetry.SettingsFromConfig(s.ws.Runtime.Telemetry)
			if addr != "" {
				settings = settings.WithAddress(addr)
			}
			srv := telemetry.NewServer(settings,
				telemetry.WithGatherer(s.registry),
				telemetry.WithLedger(s.store),
				telemetry.WithLogger(s.logger.Named("telemetry")))
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "serving on %s\n", srv.BaseURL())
			<-cmd.Context().Done()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port)")
	return cmd
}
