package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsledger/internal/app"
	"opsledger/internal/config"
	"opsledger/internal/engine"
	"opsledger/internal/orchestrator"
	"opsledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsledger CLI",
	Long: `Opsledger is a private record keeper for an orchestration process.
It tracks four collections - tasks, diagnostics, fixes, and suggestions -
as plain JSON files, and serves them over HTTP with an aggregate status
summary and a bridge to the external orchestrator.`,
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
	viper.SetEnvPrefix("OPSLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(diagnosticCmd())
	rootCmd.AddCommand(fixCmd())
	rootCmd.AddCommand(suggestionCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default opsledger.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, err := app.Resolve(workspace, viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			cfg := e.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			client := orchestrator.New(cfg.Orchestrator.BaseURL)
			client.Timeout = cfg.OrchestratorTimeout()
			handler, err := server.New(server.Config{
				Engine:         e,
				Orchestrator:   client,
				BasePath:       basePath,
				AllowedOrigins: cfg.CORS.AllowedOrigins,
			})
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving opsledger API",
				"addr", addr,
				"base_path", basePath,
				"data_dir", e.Store.Dir(),
				"orchestrator", cfg.Orchestrator.BaseURL,
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show aggregate status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Status(ctx))
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var agent, result string
	var contextJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent != "" {
				opts.OwningAgent = &agent
			}
			if result != "" {
				opts.Result = &result
			}
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &opts.Context); err != nil {
					return fmt.Errorf("invalid --context: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.State, "state", "", "state (pending, in_progress, done, failed)")
	cmd.Flags().StringVar(&agent, "agent", "", "owning agent")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, normal, high, critical)")
	cmd.Flags().StringVar(&result, "result", "", "result")
	cmd.Flags().StringVar(&contextJSON, "context", "", "context as JSON object")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f engine.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks := e.ListTasks(ctx, f)
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Priority", "Agent", "Created"})
				for _, t := range tasks {
					agent := ""
					if t.OwningAgent != nil {
						agent = *t.OwningAgent
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.State, t.Priority, agent, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Agent, "agent", "", "owning agent filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max records; values outside 1-1000 are clamped")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var state, agent, priority, result, title, description string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Partially update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := map[string]any{}
			for flag, value := range map[string]string{
				"state":       state,
				"agent":       agent,
				"priority":    priority,
				"result":      result,
				"title":       title,
				"description": description,
			} {
				if !cmd.Flags().Changed(flag) {
					continue
				}
				key := flag
				if flag == "agent" {
					key = "owning_agent"
				}
				patch[key] = value
			}
			if len(patch) == 0 {
				return fmt.Errorf("nothing to update; pass at least one field flag")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "new state")
	cmd.Flags().StringVar(&agent, "agent", "", "new owning agent")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&result, "result", "", "new result")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func diagnosticCmd() *cobra.Command {
	diag := &cobra.Command{Use: "diagnostic", Short: "Manage diagnostics"}
	diag.AddCommand(diagnosticCreateCmd())
	diag.AddCommand(diagnosticListCmd())
	return diag
}

func diagnosticCreateCmd() *cobra.Command {
	var opts engine.DiagnosticCreateOptions
	var detailsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record diagnostic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if detailsJSON != "" {
				if err := json.Unmarshal([]byte(detailsJSON), &opts.Details); err != nil {
					return fmt.Errorf("invalid --details: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDiagnostic(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind (system, agent, task, connection)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity (info, warning, error, critical)")
	cmd.Flags().StringArrayVar(&opts.Suggestions, "suggestion", []string{}, "suggestion text (repeatable)")
	cmd.Flags().StringVar(&detailsJSON, "details", "", "details as JSON object")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func diagnosticListCmd() *cobra.Command {
	var f engine.DiagnosticFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				diags := e.ListDiagnostics(ctx, f)
				if viper.GetBool("json") {
					return printJSON(diags)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Severity", "Description", "Timestamp"})
				for _, d := range diags {
					tw.AppendRow(table.Row{d.ID, d.Kind, d.Severity, d.Description, d.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max records; values outside 1-1000 are clamped")
	return cmd
}

func fixCmd() *cobra.Command {
	fix := &cobra.Command{Use: "fix", Short: "Manage fixes"}
	fix.AddCommand(fixCreateCmd())
	fix.AddCommand(fixListCmd())
	return fix
}

func fixCreateCmd() *cobra.Command {
	var opts engine.FixCreateOptions
	var diagnosticID, code, result string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record fix",
		RunE: func(cmd *cobra.Command, args []string) error {
			if diagnosticID != "" {
				opts.DiagnosticID = &diagnosticID
			}
			if code != "" {
				opts.Code = &code
			}
			if result != "" {
				opts.Result = &result
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fx, err := e.CreateFix(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(fx)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&diagnosticID, "diagnostic-id", "", "related diagnostic id")
	cmd.Flags().StringVar(&code, "code", "", "fix code")
	cmd.Flags().BoolVar(&opts.Applied, "applied", false, "mark as applied")
	cmd.Flags().StringVar(&result, "result", "", "result")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func fixListCmd() *cobra.Command {
	var f engine.FixFilters
	var applied string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if applied != "" {
				parsed, err := strconv.ParseBool(applied)
				if err != nil {
					return fmt.Errorf("--applied must be true or false")
				}
				f.Applied = &parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fixes := e.ListFixes(ctx, f)
				if viper.GetBool("json") {
					return printJSON(fixes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Diagnostic", "Applied", "Description", "Timestamp"})
				for _, fx := range fixes {
					diag := ""
					if fx.DiagnosticID != nil {
						diag = *fx.DiagnosticID
					}
					tw.AppendRow(table.Row{fx.ID, diag, fx.Applied, fx.Description, fx.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&applied, "applied", "", "applied filter (true or false)")
	cmd.Flags().StringVar(&f.DiagnosticID, "diagnostic-id", "", "diagnostic id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max records; values outside 1-1000 are clamped")
	return cmd
}

func suggestionCmd() *cobra.Command {
	sg := &cobra.Command{Use: "suggestion", Short: "Manage suggestions"}
	sg.AddCommand(suggestionCreateCmd())
	sg.AddCommand(suggestionListCmd())
	return sg
}

func suggestionCreateCmd() *cobra.Command {
	var opts engine.SuggestionCreateOptions
	var detailsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record suggestion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if detailsJSON != "" {
				if err := json.Unmarshal([]byte(detailsJSON), &opts.Details); err != nil {
					return fmt.Errorf("invalid --details: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSuggestion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind (optimization, new_feature, fix, architecture)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().BoolVar(&opts.Implemented, "implemented", false, "mark as implemented")
	cmd.Flags().StringVar(&detailsJSON, "details", "", "details as JSON object")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func suggestionListCmd() *cobra.Command {
	var f engine.SuggestionFilters
	var implemented string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if implemented != "" {
				parsed, err := strconv.ParseBool(implemented)
				if err != nil {
					return fmt.Errorf("--implemented must be true or false")
				}
				f.Implemented = &parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				suggestions := e.ListSuggestions(ctx, f)
				if viper.GetBool("json") {
					return printJSON(suggestions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Priority", "Title", "Implemented", "Timestamp"})
				for _, s := range suggestions {
					tw.AppendRow(table.Row{s.ID, s.Kind, s.Priority, s.Title, s.Implemented, s.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&implemented, "implemented", "", "implemented filter (true or false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max records; values outside 1-1000 are clamped")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the change journal"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Events.Tail(n)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.Resolve(viper.GetString("workspace"), viper.GetString("data-dir"))
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func printJSONOrIndent(v any) error {
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
