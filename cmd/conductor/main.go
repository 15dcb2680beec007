package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conductor/internal/app"
	"conductor/internal/server"
	conductorsdk "conductor/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:           "conductor",
	Short:         "Orchestrate a fleet of coding agents",
	Long:          "Conductor decomposes goals into task graphs and dispatches each unblocked task to an isolated coding agent running in its own git worktree.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// usageError separates bad invocations (exit 2) from runtime failures
// (exit 1).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s requires exactly %d argument(s)", cmd.Name(), n)}
		}
		return nil
	}
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if _, ok := err.(usageError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("api", "http://localhost:3001", "API base URL")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "path to conductor.yml")
	_ = viper.BindPFlag("api", rootCmd.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(nudgeCmd())
	rootCmd.AddCommand(killCmd())
	rootCmd.AddCommand(cleanupCmd())
}

func apiClient() *conductorsdk.Client {
	return conductorsdk.New(viper.GetString("api") + "/api")
}

func serverCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the conductor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(app.Options{ConfigPath: viper.GetString("config"), Port: port})
			if err != nil {
				return err
			}
			handler := server.New(server.Config{App: a})

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
				Handler: handler,
			}
			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("conductor server listening on port %d\n", a.Config.Server.Port)
				errCh <- srv.ListenAndServe()
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				a.Shutdown()
				return err
			case <-sig:
			}
			fmt.Println("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			a.Shutdown()
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (default from config, 3001)")
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage goals"}
	goal.AddCommand(goalCreateCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalDecomposeCmd())
	goal.AddCommand(goalDispatchCmd())
	return goal
}

func goalCreateCmd() *cobra.Command {
	var repoPath, name string
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "Create a new goal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"description": args[0],
				"repo_path":   repoPath,
			}
			if name != "" {
				body["name"] = name
			}
			var goal map[string]any
			if err := apiClient().Post(cmd.Context(), "/goals", body, &goal); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(goal)
			}
			fmt.Printf("Created goal %s\n  Name: %s\n", goal["id"], goal["name"])
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the git repository")
	cmd.Flags().StringVar(&name, "name", "", "goal name (defaults to first line of description)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func goalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			var goals []map[string]any
			if err := apiClient().Get(cmd.Context(), "/goals", &goals); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(goals)
			}
			if len(goals) == 0 {
				fmt.Println("No goals found.")
				return nil
			}
			t := newTable("ID", "STATUS", "NAME", "CREATED")
			for _, g := range goals {
				t.AppendRow(table.Row{g["id"], g["status"], g["name"], g["created_at"]})
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func goalDecomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <goal-id>",
		Short: "Decompose a goal into tasks",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op map[string]any
			if err := apiClient().Post(cmd.Context(), "/goals/"+args[0]+"/decompose", nil, &op); err != nil {
				return err
			}
			opID, _ := op["id"].(string)
			fmt.Printf("Decomposing goal %s (operation %s)...\n", args[0], opID)
			final, err := waitOperation(cmd.Context(), opID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(final)
			}
			if final["status"] == "failed" {
				return fmt.Errorf("decompose failed: %v", final["message"])
			}
			fmt.Println("Decomposition complete; proposed tasks:")
			var tasks []map[string]any
			if raw, ok := final["result_json"].(string); ok {
				_ = jsonUnmarshal(raw, &tasks)
			}
			for i, t := range tasks {
				fmt.Printf("  %d. %s\n", i+1, t["title"])
			}
			return nil
		},
	}
}

func goalDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <goal-id>",
		Short: "Dispatch unblocked tasks to agents",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op map[string]any
			if err := apiClient().Post(cmd.Context(), "/goals/"+args[0]+"/dispatch", nil, &op); err != nil {
				return err
			}
			opID, _ := op["id"].(string)
			fmt.Printf("Dispatching goal %s (operation %s)...\n", args[0], opID)
			final, err := waitOperation(cmd.Context(), opID)
			if err != nil {
				return err
			}
			if final["status"] == "failed" {
				return fmt.Errorf("dispatch failed: %v", final["message"])
			}
			var result struct {
				AgentsSpawned int `json:"agents_spawned"`
			}
			if raw, ok := final["result_json"].(string); ok {
				_ = jsonUnmarshal(raw, &result)
			}
			fmt.Printf("Dispatched %d agents\n", result.AgentsSpawned)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []map[string]any
			if err := apiClient().Get(cmd.Context(), "/agents", &agents); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(agents)
			}
			if len(agents) == 0 {
				fmt.Println("No agents.")
				return nil
			}
			t := newTable("ID", "STATUS", "MODEL", "COST", "TASK")
			for _, a := range agents {
				cost, _ := a["cost_usd"].(float64)
				t.AppendRow(table.Row{a["id"], a["status"], a["model"], fmt.Sprintf("$%.4f", cost), a["task_id"]})
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <agent-id>",
		Short: "Show an agent's event log",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []map[string]any
			if err := apiClient().Get(cmd.Context(), "/agents/"+args[0]+"/events", &events); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			if len(events) == 0 {
				fmt.Printf("No events yet for agent %s\n", args[0])
				return nil
			}
			for _, ev := range events {
				fmt.Printf("[%s] %s: %s\n", ev["created_at"], ev["kind"], ev["summary"])
			}
			return nil
		},
	}
}

func nudgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nudge <agent-id> <message>",
		Short: "Send a message to a running agent",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().Post(cmd.Context(), "/agents/"+args[0]+"/nudge", map[string]string{"message": args[1]}, nil); err != nil {
				return err
			}
			fmt.Printf("Nudged agent %s\n", args[0])
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <agent-id>",
		Short: "Terminate an agent",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().Post(cmd.Context(), "/agents/"+args[0]+"/kill", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Killed agent %s\n", args[0])
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep stale worktrees and reconcile lost agent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Prefer the running server; fall back to operating on the
			// database directly when no server is up.
			if err := apiClient().Post(cmd.Context(), "/cleanup", nil, nil); err == nil {
				fmt.Println("Cleanup complete.")
				return nil
			}
			a, err := app.New(app.Options{ConfigPath: viper.GetString("config")})
			if err != nil {
				return err
			}
			defer a.Shutdown()
			if err := a.Cleanup(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Cleanup complete.")
			return nil
		},
	}
}

// waitOperation polls an operation until it reaches a terminal status.
func waitOperation(ctx context.Context, operationID string) (map[string]any, error) {
	client := apiClient()
	var lastMessage string
	for {
		var op map[string]any
		if err := client.Get(ctx, "/operations/"+operationID, &op); err != nil {
			return nil, err
		}
		if msg, _ := op["message"].(string); msg != "" && msg != lastMessage {
			fmt.Println("  " + msg)
			lastMessage = msg
		}
		if st, _ := op["status"].(string); st != "running" {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}
