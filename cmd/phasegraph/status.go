package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegraph/internal/setup"
	"github.com/msageha/phasegraph/internal/status"
)

func initCmd(g *globals) *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a state directory with a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup.Run(g.dir, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", g.dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "Store driver (sqlite, memory)")
	cmd.Flags().StringVar(&opts.NATSURL, "nats", "", "Forward events to this NATS server")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics", "", "Serve /metrics on this address")
	return cmd
}

func statusCmd(g *globals) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show daemon state, or one execution's task counts and anomalies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var executionID string
			if len(args) == 1 {
				executionID = args[0]
			}
			r, err := status.Collect(cmd.Context(), c, executionID)
			if err != nil {
				return err
			}
			return status.Print(cmd.OutOrStdout(), r, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	return cmd
}
