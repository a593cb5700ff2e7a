package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lamarqa/hypoforge/internal/agent"
	"github.com/lamarqa/hypoforge/internal/config"
	"github.com/lamarqa/hypoforge/internal/kvstore"
	"github.com/lamarqa/hypoforge/internal/logging"
	"github.com/lamarqa/hypoforge/internal/metrics"
	"github.com/lamarqa/hypoforge/internal/orchestrator"
	"github.com/lamarqa/hypoforge/internal/state"
	"github.com/lamarqa/hypoforge/internal/timeline"
	"github.com/lamarqa/hypoforge/internal/workdir"
	"github.com/lamarqa/hypoforge/internal/workspace"
	"github.com/lamarqa/hypoforge/pkg/models"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	workDir    string
	configPath string
	problem    string
	contextDir string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hypoforge",
		Short: "HypoForge - LLM-driven root cause debugging",
		Long: `HypoForge orchestrates LLM agents through a phased debugging run:
reproduce a failure, generate competing root-cause hypotheses, then test
each hypothesis concurrently in an isolated git worktree.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", ".", "Working directory holding run state")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "hypoforge.toml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Record the problem and prepare the context repository",
		RunE: runPhase(func(ctx context.Context, app *application) error {
			return app.orch.Setup(ctx, contextDir, problem)
		}),
	}
	setupCmd.Flags().StringVar(&problem, "problem", "", "Problem statement to debug")
	setupCmd.Flags().StringVar(&contextDir, "context", ".", "Directory inside the repository under investigation")
	_ = setupCmd.MarkFlagRequired("problem")

	reproCmd := &cobra.Command{
		Use:   "repro",
		Short: "Reproduce the failure with an agent",
		Long: `Run an agent against the context repository until it reports a
reproduction result. If the agent needs more information it asks questions,
which are answered interactively and fed back on retry.`,
		RunE: runPhase(func(ctx context.Context, app *application) error {
			return app.orch.Reproduce(ctx)
		}),
	}

	generateCmd := &cobra.Command{
		Use:   "generate-hypotheses",
		Short: "Generate root-cause hypotheses and their worktrees",
		RunE: runPhase(func(ctx context.Context, app *application) error {
			return app.orch.GenerateHypotheses(ctx)
		}),
	}

	runCmd := &cobra.Command{
		Use:   "run-hypotheses",
		Short: "Test all pending hypotheses concurrently",
		RunE: runPhase(func(ctx context.Context, app *application) error {
			return app.orch.RunHypotheses(ctx)
		}),
	}

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Write summary.json and summary.md for the run",
		RunE: runPhase(func(ctx context.Context, app *application) error {
			return app.orch.Summary(ctx)
		}),
	}

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Run every phase, resuming after any completed ones",
		RunE: runPhase(func(ctx context.Context, app *application) error {
			return app.orch.All(ctx, contextDir, problem)
		}),
	}
	allCmd.Flags().StringVar(&problem, "problem", "", "Problem statement to debug")
	allCmd.Flags().StringVar(&contextDir, "context", ".", "Directory inside the repository under investigation")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show run state and timeline statistics",
		RunE:  runStatus,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Reset every hypothesis to pending for a fresh testing pass",
		RunE: runPhase(func(ctx context.Context, app *application) error {
			return app.orch.Clear(ctx)
		}),
	}

	rootCmd.AddCommand(setupCmd, reproCmd, generateCmd, runCmd, summaryCmd, allCmd, statusCmd, clearCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// application bundles the wired components for one command invocation.
type application struct {
	cfg     *config.Config
	layout  *workdir.Layout
	store   *state.Store
	tl      *timeline.Log
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
	logFile *os.File
}

func (a *application) close() {
	if a.tl != nil {
		_ = a.tl.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Sync()
		_ = a.logFile.Close()
	}
}

func newApplication() (*application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	layout, err := workdir.Attach(workDir, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to attach working directory: %w", err)
	}

	logger, logFile, err := logging.Setup(layout.LogPath(), logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	store, err := state.Open(layout.StatePath(), logger)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to open run state: %w", err)
	}

	tl, err := timeline.Open(layout.TimelinePath(), logger)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to open timeline: %w", err)
	}

	kv, err := kvstore.New(layout.KVDir())
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to open key-value store: %w", err)
	}

	collector := metrics.NewCollector(logger)
	if cfg.Metrics.Enabled {
		collector.Serve(cfg.Metrics.Addr)
	}
	store.ObservePersist(collector.RecordStatePersist)
	tl.ObserveAppend(func(cat models.EventCategory) {
		collector.RecordTimelineEvent(string(cat))
	})

	orch := orchestrator.New(orchestrator.Options{
		Config:       cfg,
		Layout:       layout,
		Store:        store,
		Timeline:     tl,
		Workspace:    workspace.NewManager(layout, logger),
		Runner:       agent.NewExecRunner(cfg.Agent, logger),
		KV:           kv,
		Collector:    collector,
		Logger:       logger,
		Ask:          askOperator,
		ShowProgress: true,
	})

	st := store.Snapshot()
	tl.System(models.EventTypeRunAttached, fmt.Sprintf("hypoforge %s attached", Version))
	logger.Info("HypoForge starting",
		"version", Version,
		"working_dir_id", st.WorkingDirID,
		"phase", st.CurrentPhase)

	return &application{
		cfg:     cfg,
		layout:  layout,
		store:   store,
		tl:      tl,
		orch:    orch,
		logger:  logger,
		logFile: logFile,
	}, nil
}

// runPhase wraps a phase function with component wiring and signal-aware
// context handling shared by every command.
func runPhase(fn func(context.Context, *application) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := fn(ctx, app); err != nil {
			if errors.Is(err, context.Canceled) {
				app.logger.Warn("Interrupted; state is persisted, re-run the command to resume")
				return errors.New("interrupted")
			}
			return err
		}
		return nil
	}
}

// askOperator reads one answer from stdin for an agent question.
func askOperator(question string) (string, error) {
	fmt.Fprintf(os.Stderr, "\nThe agent needs more information:\n  %s\n> ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	layout, err := workdir.Attach(workDir, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to attach working directory: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := state.Open(layout.StatePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to open run state: %w", err)
	}
	st := store.Snapshot()

	fmt.Printf("Run:     %s\n", st.WorkingDirID)
	fmt.Printf("Phase:   %s\n", st.CurrentPhase)
	if st.ProblemPrompt != "" {
		fmt.Printf("Problem: %s\n", st.ProblemPrompt)
	}
	fmt.Printf("Hypotheses: %d generated, %d completed, %d successful, %d failed, %d skipped\n",
		st.Metrics.Generated, st.Metrics.Completed,
		st.Metrics.Successful, st.Metrics.Failed, st.Metrics.Skipped)

	for _, h := range st.Hypotheses {
		verdict := ""
		if h.Result != nil {
			verdict = fmt.Sprintf(" [%s]", h.Result.Tag)
		}
		fmt.Printf("  %s  %-10s %s%s\n", h.ID, h.Status, h.Title, verdict)
	}

	events, err := timeline.Load(layout.TimelinePath())
	if err != nil {
		return fmt.Errorf("failed to load timeline: %w", err)
	}
	if len(events) > 0 {
		stats := timeline.GetStatistics(events)
		fmt.Printf("\nTimeline: %d events", stats.Total)
		if stats.First != nil && stats.Last != nil {
			fmt.Printf(" (%s .. %s)", stats.First.Format("2006-01-02 15:04:05"), stats.Last.Format("15:04:05"))
		}
		fmt.Println()
		for _, cat := range []models.EventCategory{
			models.EventPhase, models.EventHypothesis,
			models.EventSystem, models.EventUser, models.EventGit,
		} {
			if n := stats.ByCategory[cat]; n > 0 {
				fmt.Printf("  %-12s %d\n", cat, n)
			}
		}
	}
	return nil
}
