package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func coherenceCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coherence",
		Short: "Score agent alignment and look for anomalies",
	}
	cmd.AddCommand(
		coherenceScoreCmd(g),
		coherenceAnomaliesCmd(g),
		coherenceRecordsCmd(g),
	)
	return cmd
}

func coherenceScoreCmd(g *globals) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "score <execution-id> <agent-id>",
		Short: "Score an agent's recent tasks against the dominant phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			score, err := c.ScoreAlignment(cmd.Context(), args[0], args[1], window)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f\n", score)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", time.Hour, "Look-back window")
	return cmd
}

func coherenceAnomaliesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies <execution-id>",
		Short: "Detect phase imbalance, stagnation and blocking pile-ups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			found, err := c.DetectAnomalies(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), found)
		},
	}
}

func coherenceRecordsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "records <execution-id>",
		Short: "List recorded alignment scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			records, err := c.CoherenceRecords(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}
