package main

import (
	"context"
	"database/sql"
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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"worldcast/internal/config"
	"worldcast/internal/db"
	"worldcast/internal/domain"
	"worldcast/internal/engine"
	"worldcast/internal/events"
	"worldcast/internal/ledger"
	"worldcast/internal/metaculus"
	"worldcast/internal/migrate"
	"worldcast/internal/repo"
	"worldcast/internal/sampler"
	"worldcast/internal/server"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "wcast",
	Short: "Worldcast forecasting bot",
	Long: `Worldcast forecasts Metaculus questions by simulating many possible
worlds with an LLM and aggregating the outcomes:
- Workspace: your .worldcast directory with the run database and the
  posted-id ledger; worldcast.yml next to it holds the tunables.
- Run: one pass over a question set (tournament, cup, or configured test
  posts): sample worlds, aggregate, validate, submit, archive a report.
- Ledger: crash-safe record of question ids already forecast, so a re-run
  never double-posts (override with --force).
- Event log: diary of every run, view with 'wcast log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		zc := zap.NewProductionConfig()
		if viper.GetBool("debug") {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
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
	viper.SetEnvPrefix("WORLDCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// Secrets keep their conventional unprefixed names.
	_ = viper.BindEnv("metaculus-token", "METACULUS_TOKEN")
	_ = viper.BindEnv("openrouter-key", "OPENROUTER_API_KEY")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("force", false, "forecast even when the ledger says a question was already posted")
	rootCmd.PersistentFlags().Bool("dry-run", false, "run the pipeline without submitting anything")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("dry-run", rootCmd.PersistentFlags().Lookup("dry-run"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the forecasting pipeline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case engine.ModeTournament, engine.ModeCup, engine.ModeTest:
			default:
				return fmt.Errorf("unknown mode %q (tournament, cup, test)", mode)
			}
			dryRun := viper.GetBool("dry-run")
			metToken := viper.GetString("metaculus-token")
			if metToken == "" && !dryRun {
				return fmt.Errorf("METACULUS_TOKEN is required unless --dry-run")
			}
			orKey := viper.GetString("openrouter-key")
			if orKey == "" {
				return fmt.Errorf("OPENROUTER_API_KEY is required")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			led, err := ledger.Load(workspace)
			if err != nil {
				// A corrupt ledger must stop the run: without it every
				// question looks unposted.
				return err
			}
			return withDB(func(conn *sql.DB) error {
				client := metaculus.New(cfg.Metaculus.BaseURL, metToken, logger)
				caller := &sampler.OpenRouterCaller{
					BaseURL:     cfg.LLM.BaseURL,
					APIKey:      orKey,
					Models:      cfg.LLM.Models,
					MaxRetries:  cfg.LLM.MaxRetries,
					BackoffCap:  time.Duration(cfg.LLM.BackoffCapS * float64(time.Second)),
					MaxTokens:   cfg.LLM.MaxTokens,
					Temperature: cfg.LLM.Temperature,
					Log:         logger,
				}
				e := &engine.Engine{
					DB:        conn,
					Repo:      repo.Repo{DB: conn},
					Events:    events.Writer{DB: conn},
					Cfg:       cfg,
					Source:    client,
					Submitter: client,
					Sampler: &sampler.Sampler{
						Caller:    caller,
						Worlds:    cfg.Bot.Worlds,
						Workers:   cfg.Bot.Workers,
						BatchSize: cfg.Bot.BatchSize,
						Log:       logger,
					},
					Ledger: led,
					Log:    logger,
				}
				run, err := e.Run(cmd.Context(), engine.RunOptions{
					Mode:   mode,
					Force:  viper.GetBool("force"),
					DryRun: dryRun,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Run %s (%s) finished\n", run.ID, run.Mode)
				fmt.Printf("  submitted: %d\n  skipped:   %d\n  failed:    %d\n",
					run.Submitted, run.Skipped, run.Failed)
				if dryRun {
					fmt.Println("  dry run: nothing was posted")
				}
				reports, err := e.Repo.ListReports(cmd.Context(), repo.ReportFilters{RunID: run.ID})
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Question", "Type", "Status", "Samples", "Detail"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.QuestionID, r.Type, r.Status, r.Samples, r.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", engine.ModeTournament, "run mode (tournament, cup, test)")
	return cmd
}

func questionCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "question",
		Short: "Inspect open questions",
	}
	q.AddCommand(questionListCmd())
	q.AddCommand(questionShowCmd())
	return q
}

func questionListCmd() *cobra.Command {
	var tournament string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open questions for the configured tournament",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if tournament == "" {
				tournament = cfg.Bot.Tournament
			}
			client := metaculus.New(cfg.Metaculus.BaseURL, viper.GetString("metaculus-token"), logger)
			questions, err := client.ListOpenQuestions(cmd.Context(), metaculus.ListFilters{
				Tournament: tournament,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(questions)
			}
			renderQuestions(questions)
			return nil
		},
	}
	cmd.Flags().StringVar(&tournament, "tournament", "", "tournament slug (defaults to config)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size override")
	return cmd
}

func questionShowCmd() *cobra.Command {
	var postID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the forecastable questions of one post",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			client := metaculus.New(cfg.Metaculus.BaseURL, viper.GetString("metaculus-token"), logger)
			questions, err := client.GetPost(cmd.Context(), postID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(questions)
			}
			renderQuestions(questions)
			return nil
		},
	}
	cmd.Flags().Int64Var(&postID, "id", 0, "post id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Inspect archived per-question reports",
	}
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	return rep
}

func reportListCmd() *cobra.Command {
	var f repo.ReportFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conn *sql.DB) error {
				reports, err := repo.Repo{DB: conn}.ListReports(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Run", "Question", "Type", "Status", "Samples", "Created"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.ID, r.RunID, r.QuestionID, r.Type, r.Status, r.Samples, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run", "", "run id filter")
	cmd.Flags().Int64Var(&f.QuestionID, "question", 0, "question id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conn *sql.DB) error {
				rep, err := repo.Repo{DB: conn}.GetReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(rep)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the posted-id ledger",
	}
	led.AddCommand(ledgerShowCmd())
	led.AddCommand(ledgerAddCmd())
	return led
}

func ledgerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show posted question ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := ledger.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"count": led.Len(), "ids": led.IDs()})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Question ID"})
			for _, id := range led.IDs() {
				tw.AppendRow(table.Row{id})
			}
			tw.Render()
			fmt.Printf("%d posted\n", led.Len())
			return nil
		},
	}
	return cmd
}

func ledgerAddCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a question id as already posted",
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := ledger.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if led.Contains(id) {
				fmt.Printf("question %d already recorded\n", id)
				return nil
			}
			if err := led.Record(id); err != nil {
				return err
			}
			fmt.Printf("recorded question %d\n", id)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "question id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage worldcast.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default worldcast.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !os.IsNotExist(err) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail run events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conn *sql.DB) error {
				evts, err := repo.Repo{DB: conn}.LatestEvents(cmd.Context(), n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Question", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RunID, e.QuestionID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := ledger.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withDB(func(conn *sql.DB) error {
				handler, err := server.New(server.Config{
					Repo:     repo.Repo{DB: conn},
					Ledger:   led,
					BasePath: basePath,
					Token:    viper.GetString("api-token"),
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
				fmt.Printf("Serving Worldcast API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func withDB(fn func(*sql.DB) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(conn)
}

func renderQuestions(questions []domain.Question) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Post", "Type", "Title"})
	for _, q := range questions {
		tw.AppendRow(table.Row{q.ID, q.PostID, q.Type, q.Title})
	}
	tw.Render()
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
