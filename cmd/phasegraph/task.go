package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/workflow"
)

func taskCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Spawn, update and inspect tasks",
	}
	cmd.AddCommand(
		taskSpawnCmd(g),
		taskStatusCmd(g),
		taskAddDepCmd(g),
		taskGetCmd(g),
		taskListCmd(g),
		taskExecutableCmd(g),
		taskBlockedCmd(g),
	)
	return cmd
}

func taskSpawnCmd(g *globals) *cobra.Command {
	var (
		req      workflow.SpawnRequest
		phase    string
		branchID string
	)
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Add a task to an execution or a branch",
		Example: `  phasegraph task spawn -e exec-1 --title "Map the auth flow" --phase investigation --by agent-1
  phasegraph task spawn -e exec-1 --title "Add refresh tokens" --phase building --by agent-1 --blocked-by t1,t2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			req.Phase = model.Phase(phase)
			var task model.Task
			if branchID != "" {
				task, err = c.SpawnTaskInBranch(cmd.Context(), branchID, req)
			} else {
				task, err = c.SpawnTask(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.ExecutionID, "execution", "e", "", "Execution id (taken from the branch when --branch is set)")
	f.StringVar(&req.Title, "title", "", "Task title")
	f.StringVar(&phase, "phase", "", "investigation, building or validation")
	f.StringVar(&req.SpawnedBy, "by", "", "Spawning agent id")
	f.StringVar(&req.Description, "description", "", "Task description")
	f.StringVar(&req.Rationale, "rationale", "", "Why the task is needed")
	f.StringSliceVar(&req.BlockedBy, "blocked-by", nil, "Task ids that must complete first")
	f.StringVar(&branchID, "branch", "", "Spawn inside this active branch")
	f.StringVar(&req.IdempotencyKey, "key", "", "Idempotency key")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func taskStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to pending, in_progress, completed or failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			task, err := c.UpdateTaskStatus(cmd.Context(), args[0], model.Status(args[1]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func taskAddDepCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "add-dep <task-id> <blocked-by-id>...",
		Short: "Make a task wait for more tasks",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			task, err := c.AddDependency(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func taskGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			task, err := c.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func taskListCmd(g *globals) *cobra.Command {
	var phase, status, branchID string
	cmd := &cobra.Command{
		Use:   "list <execution-id>",
		Short: "List an execution's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			tasks, err := c.GetTasksForExecution(cmd.Context(), api.ListTasksParams{
				ExecutionID: args[0],
				Phase:       model.Phase(phase),
				Status:      model.Status(status),
				BranchID:    branchID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "Filter by phase")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&branchID, "branch", "", "Filter by branch")
	return cmd
}

func taskExecutableCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "executable <execution-id>",
		Short: "List tasks ready to start, in pickup order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			tasks, err := c.GetExecutableTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
}

func taskBlockedCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked <execution-id>",
		Short: "List blocked tasks and what they wait on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			blocked, err := c.GetBlockedTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), blocked)
		},
	}
}
