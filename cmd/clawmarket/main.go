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

	"clawmarket/internal/config"
	"clawmarket/internal/domain"
	"clawmarket/internal/engine"
	"clawmarket/internal/server"
	"clawmarket/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "clawmarket",
	Short: "Clawmarket CLI",
	Long: `Clawmarket is a small task marketplace. Requesters post tasks, workers
propose and deliver, and every identity is a phone number. The same engine
backs this CLI and the HTTP API; state lives in one persisted document.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		if strings.Contains(err.Error(), "unknown command") {
			_ = printJSON(map[string]any{"ok": false, "error": engine.CodeUnknownCmd})
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLAWMARKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "clawmarket.yml", "config file")
	rootCmd.PersistentFlags().String("state", "", "state path (overrides config)")
	rootCmd.PersistentFlags().String("backend", "", "storage backend: file or sqlite (overrides config)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("state", rootCmd.PersistentFlags().Lookup("state"))
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(availabilityCmd())
	rootCmd.AddCommand(createTaskCmd())
	rootCmd.AddCommand(openTasksCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(acceptCmd())
	rootCmd.AddCommand(awardCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(needsNudgeCmd())
	rootCmd.AddCommand(markNudgedCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Init(ctx); err != nil {
					return err
				}
				return printJSON(map[string]any{"ok": true})
			})
		},
	}
}

func registerCmd() *cobra.Command {
	var phone, role string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.Register(ctx, phone, role)
				return printOutcome(err, map[string]any{"user": u})
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&role, "role", "", "role: worker, requester, or both")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func availabilityCmd() *cobra.Command {
	var phone string
	var available bool
	cmd := &cobra.Command{
		Use:   "availability",
		Short: "Set worker availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.SetAvailability(ctx, phone, available)
				return printOutcome(err, map[string]any{"user": u})
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().BoolVar(&available, "available", true, "available for work")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func createTaskCmd() *cobra.Command {
	var opts engine.CreateTaskOptions
	var deadline string
	cmd := &cobra.Command{
		Use:   "create-task",
		Short: "Post a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("deadline") {
				opts.Deadline = &deadline
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				return printOutcome(err, map[string]any{"task": t})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Requester, "requester", "", "requester phone")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Instructions, "instructions", "", "instructions")
	cmd.Flags().Float64Var(&opts.Budget, "budget", 0, "budget")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category (defaults to general)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (freeform)")
	_ = cmd.MarkFlagRequired("requester")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func openTasksCmd() *cobra.Command {
	var limit int
	var viewer string
	var asTable bool
	cmd := &cobra.Command{
		Use:   "open-tasks",
		Short: "List open tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.OpenTasks(ctx, limit, viewer)
				if err != nil {
					return err
				}
				if asTable {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Title", "Budget", "Category", "Requester"})
					for _, t := range tasks {
						tw.AppendRow(table.Row{t.ID, t.Title, t.Budget, t.Category, t.Requester})
					}
					tw.Render()
					return nil
				}
				if tasks == nil {
					tasks = []*domain.Task{}
				}
				return printJSON(map[string]any{"ok": true, "tasks": tasks})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max tasks to return")
	cmd.Flags().StringVar(&viewer, "viewer", "", "exclude tasks posted by this phone")
	cmd.Flags().BoolVar(&asTable, "table", false, "render as a table")
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				return printOutcome(err, map[string]any{"task": t})
			})
		},
	}
	return cmd
}

func proposeCmd() *cobra.Command {
	var opts engine.ProposeOptions
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Submit a proposal on an open task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, prop, err := e.Propose(ctx, opts)
				return printOutcome(err, map[string]any{"task": t, "proposal": prop})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Task, "task", "", "task id")
	cmd.Flags().StringVar(&opts.Worker, "worker", "", "worker phone")
	cmd.Flags().Float64Var(&opts.Price, "price", 0, "proposed price")
	cmd.Flags().StringVar(&opts.Eta, "eta", "", "estimated completion (freeform)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "note to the requester")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func acceptCmd() *cobra.Command {
	var task, worker string
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Register interest in an open task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Accept(ctx, task, worker)
				return printOutcome(err, map[string]any{"task": t})
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task id")
	cmd.Flags().StringVar(&worker, "worker", "", "worker phone")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func awardCmd() *cobra.Command {
	var task, requester, worker string
	cmd := &cobra.Command{
		Use:   "award",
		Short: "Award a task to a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Award(ctx, task, requester, worker)
				return printOutcome(err, map[string]any{"task": t})
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task id")
	cmd.Flags().StringVar(&requester, "requester", "", "requester phone")
	cmd.Flags().StringVar(&worker, "worker", "", "worker phone")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("requester")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func updateCmd() *cobra.Command {
	var opts engine.PostUpdateOptions
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Post a progress update",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, upd, err := e.PostUpdate(ctx, opts)
				return printOutcome(err, map[string]any{"task": t, "update": upd})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Task, "task", "", "task id")
	cmd.Flags().StringVar(&opts.Worker, "worker", "", "worker phone")
	cmd.Flags().StringVar(&opts.Message, "message", "", "progress message")
	cmd.Flags().StringVar(&opts.Eta, "eta", "", "revised eta (freeform)")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func submitCmd() *cobra.Command {
	var task, worker, result string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a result for an awarded task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Submit(ctx, task, worker, result)
				return printOutcome(err, map[string]any{"task": t})
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task id")
	cmd.Flags().StringVar(&worker, "worker", "", "worker phone")
	cmd.Flags().StringVar(&result, "result", "", "result payload")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func approveCmd() *cobra.Command {
	var task, requester string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a submitted result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Approve(ctx, task, requester)
				return printOutcome(err, map[string]any{"task": t})
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task id")
	cmd.Flags().StringVar(&requester, "requester", "", "requester phone")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"ok":   true,
					"time": s.Time,
					"counts": map[string]int{
						"users":      s.Users,
						"tasks":      s.Tasks,
						"open_tasks": s.OpenTasks,
					},
				})
			})
		},
	}
}

func needsNudgeCmd() *cobra.Command {
	var silence int64
	var limit int
	cmd := &cobra.Command{
		Use:   "needs-nudge",
		Short: "List awarded tasks that have gone quiet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("silence-seconds") {
				silence = cfg.Nudge.SilenceSeconds
			}
			if !cmd.Flags().Changed("limit") {
				limit = cfg.Nudge.Limit
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stale, err := e.FindStale(ctx, silence, limit)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"ok": true, "stale": stale})
			})
		},
	}
	cmd.Flags().Int64Var(&silence, "silence-seconds", 21600, "silence threshold in seconds")
	cmd.Flags().IntVar(&limit, "limit", 10, "max tasks to return")
	return cmd
}

func markNudgedCmd() *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "mark-nudged",
		Short: "Record that a reminder was sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.MarkNudged(ctx, task)
				return printOutcome(err, map[string]any{"task": t})
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			backend, err := store.Open(store.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
			if err != nil {
				return err
			}
			defer backend.Close()
			e := engine.New(backend)
			if err := e.Init(cmd.Context()); err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:              e,
				BasePath:            cfg.Server.BasePath,
				RegisterPerMinute:   cfg.Limits.RegisterPerMinute,
				CreateTaskPerMinute: cfg.Limits.CreateTaskPerMinute,
				NudgeSilenceSeconds: cfg.Nudge.SilenceSeconds,
				NudgeLimit:          cfg.Nudge.Limit,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Clawmarket API on http://%s%s\n", addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if b := viper.GetString("backend"); b != "" {
		cfg.Storage.Backend = b
	}
	if p := viper.GetString("state"); p != "" {
		cfg.Storage.Path = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	backend, err := store.Open(store.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(ctx, engine.New(backend))
}

// printOutcome renders the shared command envelope: the payload on success,
// the failure code (plus current task status when known) on a rejected
// precondition. A rejection is a normal outcome, not a process error.
func printOutcome(err error, payload map[string]any) error {
	if err != nil {
		if f, ok := engine.AsFailure(err); ok {
			out := map[string]any{"ok": false, "error": f.Code}
			if f.TaskStatus != "" {
				out["status"] = f.TaskStatus
			}
			return printJSON(out)
		}
		return err
	}
	payload["ok"] = true
	return printJSON(payload)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
