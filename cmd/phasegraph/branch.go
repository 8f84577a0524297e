package main

import (
	"github.com/spf13/cobra"
)

func branchCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Open, merge and abandon speculative branches",
	}
	cmd.AddCommand(
		branchCreateCmd(g),
		branchAttachCmd(g),
		branchMergeCmd(g),
		branchAbandonCmd(g),
		branchCompleteCmd(g),
		branchGetCmd(g),
		branchListCmd(g),
	)
	return cmd
}

func branchCreateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "create <execution-id> <origin-discovery>",
		Short: "Open a branch for a discovery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			b, err := c.CreateBranch(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
}

func branchAttachCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <branch-id> <task-id>",
		Short: "Move a main-line task into a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			task, err := c.AttachTask(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func branchMergeCmd(g *globals) *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "merge <branch-id>",
		Short: "Merge a branch whose tasks are all completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			b, err := c.MergeBranch(cmd.Context(), args[0], summary)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().StringVarP(&summary, "summary", "m", "", "What the branch established")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func branchAbandonCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <branch-id>",
		Short: "Abandon a branch and fail its unstarted tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			b, err := c.AbandonBranch(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the branch is dropped")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func branchCompleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <branch-id>",
		Short: "Close a finished branch without merging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			b, err := c.CompleteBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
}

func branchGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <branch-id>",
		Short: "Show one branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			b, err := c.GetBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
}

func branchListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list <execution-id>",
		Short: "List an execution's branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			branches, err := c.ListBranches(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), branches)
		},
	}
}
