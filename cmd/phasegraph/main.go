// Package main provides the phasegraph binary: the daemon that owns the task
// graph, an MCP server for agents, and client subcommands for operators.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/msageha/phasegraph/internal/client"
	"github.com/msageha/phasegraph/internal/daemon"
	"github.com/msageha/phasegraph/internal/mcptools"
	"github.com/msageha/phasegraph/internal/uds"
	"github.com/msageha/phasegraph/internal/workflow"
	"github.com/msageha/phasegraph/internal/yaml"
)

const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "phasegraph"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(3)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(report(os.Stderr, err))
	}
}

// report prints err and picks the exit status. Blocked operations and
// transient store failures exit 2 so scripts can retry them.
func report(w io.Writer, err error) int {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		fmt.Fprintf(w, "Error [%s]: %v\n", coded.ErrorCode(), err)
	} else {
		fmt.Fprintf(w, "Error: %v\n", err)
	}
	switch workflow.Classify(err) {
	case workflow.ClassBlocking, workflow.ClassInfrastructure:
		return 2
	}
	return 1
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	dir     string
	config  string
	socket  string
	timeout time.Duration
}

func (g *globals) configPath() string {
	if g.config != "" {
		return g.config
	}
	return filepath.Join(g.dir, yaml.DefaultConfigFile)
}

// socketPath resolves the daemon socket: the flag wins, then the config
// file, relative to the state dir.
func (g *globals) socketPath() (string, error) {
	p := g.socket
	if p == "" {
		cfg, err := yaml.LoadConfig(g.configPath())
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		p = cfg.Daemon.Socket
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Join(g.dir, p), nil
}

func (g *globals) client() (*client.Client, error) {
	sock, err := g.socketPath()
	if err != nil {
		return nil, err
	}
	c := client.New(sock)
	if g.timeout > 0 {
		c.SetTimeout(g.timeout)
	}
	return c, nil
}

func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Phase-based task graph for multi-agent workflows",
		Long: `phasegraph tracks the tasks agents discover while working through an
execution. Tasks belong to a phase (investigation, building, validation),
may wait on other tasks, and can be explored speculatively in branches.

Start the daemon once per state directory, then drive it from the CLI or
expose it to agents with "phasegraph mcp".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.dir, "dir", "d", ".phasegraph", "State directory")
	cmd.PersistentFlags().StringVarP(&g.config, "config", "c", "", "Config file (default <dir>/phasegraph.yaml)")
	cmd.PersistentFlags().StringVar(&g.socket, "socket", "", "Daemon socket path (overrides config)")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 0, "Request timeout (default 30s)")

	cmd.AddCommand(
		initCmd(g),
		daemonCmd(g),
		stopCmd(g),
		pingCmd(g),
		statusCmd(g),
		mcpCmd(g),
		taskCmd(g),
		branchCmd(g),
		coherenceCmd(g),
		executionsCmd(g),
		exportCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func daemonCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := g.configPath()
			cfg, err := yaml.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if g.socket != "" {
				cfg.Daemon.Socket = g.socket
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d := daemon.New(g.dir, cfgPath, cfg, cmd.ErrOrStderr())
			return d.Run(ctx)
		},
	}
}

func stopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sock, err := g.socketPath()
			if err != nil {
				return err
			}
			if _, err := uds.NewClient(sock).Call(cmd.Context(), daemon.CmdShutdown, nil); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopping")
			return nil
		},
	}
}

func pingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func mcpCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the task graph as MCP tools over stdio",
		Long: `Starts an MCP server on stdin/stdout that forwards every tool call to
the running daemon. Point your agent's MCP configuration at this command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			mcptools.Version = Version
			return server.ServeStdio(mcptools.NewServer(c))
		},
	}
}

func executionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "executions",
		Short: "List executions known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ids, err := c.ListExecutions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}
}

func exportCmd(g *globals) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <execution-id>",
		Short: "Write an execution's tasks and branches to a YAML snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			snap, err := c.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = args[0] + ".yaml"
			}
			if err := yaml.WriteDocument(path, yaml.FileTypeSnapshot, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tasks and %d branches to %s\n", len(snap.Tasks), len(snap.Branches), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <execution-id>.yaml)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
