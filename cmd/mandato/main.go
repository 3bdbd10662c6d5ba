package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"mandato/internal/app"
	"mandato/internal/config"
	"mandato/internal/db"
	"mandato/internal/domain"
	"mandato/internal/migrate"
	"mandato/internal/pipeline"
	"mandato/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mandato",
	Short: "Mandato CLI",
	Long: `Mandato turns free-text policy ideas into executed government projects.
An idea passes a content gate, is refined and costed by agents, waits for the
owner's approval and then executes against the nation's treasury over time.
Use 'mandato idea submit' to start one and 'mandato sweep run' to advance
whatever is due.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MANDATO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner-id", "local-owner", "owner identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
}

func registerCommands() {
	rootCmd.AddCommand(ideaCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func ideaCmd() *cobra.Command {
	idea := &cobra.Command{Use: "idea", Short: "Submit project ideas"}
	idea.AddCommand(ideaSubmitCmd())
	return idea
}

func ideaSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <idea text>",
		Short: "Submit a free-text idea into the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idea := strings.Join(args, " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				owner := viper.GetString("owner-id")
				if _, err := a.EnsureState(ctx, owner, ""); err != nil {
					return err
				}
				p, err := a.Pipeline.CreateProjectIdea(ctx, owner, idea)
				if err != nil {
					return err
				}
				// No dispatcher is wired, so the stages ran inline; show the
				// final state including the processing log.
				p, err = a.Repo.GetProjectWithLogs(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect and decide on projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectPendingCmd())
	prj.AddCommand(projectApproveCmd())
	prj.AddCommand(projectRejectCmd())
	prj.AddCommand(projectCancelCmd())
	prj.AddCommand(projectRecordsCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjectsByOwner(ctx, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				if status != "" {
					filtered := items[:0]
					for _, p := range items {
						if p.Status == domain.ProjectStatus(status) {
							filtered = append(filtered, p)
						}
					}
					items = filtered
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Cost", "Attempts"})
				for _, p := range items {
					name := p.OriginalIdea
					if p.RefinedProject != nil {
						name = p.RefinedProject.Name
					}
					cost := ""
					if p.AnalysisData != nil {
						cost = fmt.Sprintf("%.2f", p.AnalysisData.ImplementationCost)
					}
					tw.AppendRow(table.Row{p.ID, truncate(name, 40), p.Status, cost, p.RefinementAttempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with its processing log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProjectWithLogs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List projects awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjectsByStatus(ctx, domain.StatusPendingApproval)
				if err != nil {
					return err
				}
				owner := viper.GetString("owner-id")
				mine := items[:0]
				for _, p := range items {
					if p.OwnerID == owner {
						mine = append(mine, p)
					}
				}
				return printJSONOrTable(mine)
			})
		},
	}
	return cmd
}

func projectApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve a pending project and start execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Pipeline.ApproveProject(ctx, viper.GetString("owner-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <project-id>",
		Short: "Reject a pending project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Pipeline.RejectProject(ctx, viper.GetString("owner-id"), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func projectCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <project-id>",
		Short: "Cancel a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Pipeline.CancelProject(ctx, viper.GetString("owner-id"), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func projectRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records <project-id>",
		Short: "List a project's execution records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Repo.ListExecutionRecords(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Scheduled", "Status", "Amount", "Installment"})
				for _, r := range records {
					installment := ""
					if r.TotalInstallments > 0 {
						installment = fmt.Sprintf("%d/%d", r.InstallmentNumber, r.TotalInstallments)
					}
					amount := ""
					if r.PaymentAmount > 0 {
						amount = fmt.Sprintf("%.2f", r.PaymentAmount)
					}
					tw.AppendRow(table.Row{r.ID, r.ExecutionType, r.ScheduledFor, r.Status, amount, installment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	sweep := &cobra.Command{Use: "sweep", Short: "Deferred execution"}
	sweep.AddCommand(sweepRunCmd())
	return sweep
}

func sweepRunCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute due execution records now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if limit <= 0 {
					limit = a.Config.Scheduler.SweepLimit
				}
				res, err := a.Scheduler.ProcessPending(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max records per run")
	return cmd
}

func stateCmd() *cobra.Command {
	state := &cobra.Command{Use: "state", Short: "Nation state ledger"}
	state.AddCommand(stateShowCmd())
	state.AddCommand(stateInitCmd())
	return state
}

func stateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the owner's nation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				state, err := a.Ledger.GetStateByOwner(ctx, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func stateInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the owner's nation state if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				state, err := a.EnsureState(ctx, viper.GetString("owner-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "state name")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Processing log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <project-id>",
		Short: "Show a project's processing log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logs, err := a.Repo.ListProcessingLogs(ctx, args[0])
				if err != nil {
					return err
				}
				if n > 0 && len(logs) > n {
					logs = logs[len(logs)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				for _, l := range logs {
					fmt.Printf("%s  %s\n", l.TS, l.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "show only the last n lines")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default mandato.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				queue := pipeline.NewQueue(64, a.Pipeline.RunStage)
				a.Pipeline.Dispatch = queue

				handler, err := server.New(server.Config{App: a, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return queue.Run(ctx) })
				g.Go(func() error { return a.Scheduler.Run(ctx) })
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					fmt.Printf("Serving Mandato API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	a, err := app.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
