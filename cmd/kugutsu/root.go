package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kugutsu-dev/kugutsu/internal/agent"
	"github.com/kugutsu-dev/kugutsu/internal/config"
	"github.com/kugutsu-dev/kugutsu/internal/git"
	"github.com/kugutsu-dev/kugutsu/internal/logging"
	"github.com/kugutsu-dev/kugutsu/internal/pipeline"
	"github.com/kugutsu-dev/kugutsu/internal/state"
	"github.com/kugutsu-dev/kugutsu/internal/taskfile"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

var (
	flagRepo         string
	flagBaseBranch   string
	flagWorktreeBase string
	flagMaxEngineers int
	flagMaxTurns     int
	flagModel        string
	flagTaskFile     string
	flagUseRemote    bool
	flagCleanup      bool
	flagQuiet        bool
)

var rootCmd = &cobra.Command{
	Use:   "kugutsu [request]",
	Short: "Run parallel AI engineers over a task set",
	Long: `kugutsu decomposes a request into tasks, develops them in parallel
with isolated git worktrees, reviews each result, and merges approved work
into the base branch one task at a time.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		request := strings.Join(args, " ")
		if request == "" && flagTaskFile == "" {
			return fmt.Errorf("provide a request or --task-file")
		}
		return runPipeline(cmd.Context(), request)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "base-repo", ".", "path to the repository")
	rootCmd.Flags().StringVar(&flagBaseBranch, "base-branch", "", "integration branch (default from config)")
	rootCmd.Flags().StringVar(&flagWorktreeBase, "worktree-base", "", "directory for task worktrees (default from config)")
	rootCmd.Flags().IntVar(&flagMaxEngineers, "max-engineers", 0, "concurrent engineer limit (default from config)")
	rootCmd.Flags().IntVar(&flagMaxTurns, "max-turns", 0, "agent turn limit per invocation (default from config)")
	rootCmd.Flags().StringVar(&flagModel, "model", "", "agent model override")
	rootCmd.Flags().StringVar(&flagTaskFile, "task-file", "", "YAML task set instead of planning from the request")
	rootCmd.Flags().BoolVar(&flagUseRemote, "use-remote", false, "push the base branch after each merge")
	rootCmd.Flags().BoolVar(&flagCleanup, "cleanup", false, "sweep orphaned worktrees and branches before starting")
	rootCmd.Flags().BoolVar(&flagQuiet, "quiet", false, "suppress progress output")
}

// loadConfig resolves config with flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagRepo)
	if err != nil {
		return nil, err
	}
	if flagBaseBranch != "" {
		cfg.BaseBranch = flagBaseBranch
	}
	if flagMaxEngineers > 0 {
		cfg.MaxEngineers = flagMaxEngineers
	}
	if flagMaxTurns > 0 {
		cfg.MaxTurns = flagMaxTurns
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagWorktreeBase != "" {
		cfg.WorktreeBase = flagWorktreeBase
	}
	if flagUseRemote {
		cfg.UseRemote = true
	}
	return cfg, cfg.Validate()
}

func runPipeline(ctx context.Context, request string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := agent.CheckClaudeCLI(); err != nil {
		return err
	}
	runner := git.NewRunner(cfg.BaseRepo)
	if !runner.IsRepository() {
		return fmt.Errorf("%s is not a git repository", cfg.BaseRepo)
	}
	if flagCleanup {
		if err := sweepOrphans(runner); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewDebugLoggerForRepo(cfg.BaseRepo)
	defer logger.Close()

	store, err := state.Open(cfg.BaseRepo)
	if err != nil {
		return err
	}
	defer store.Close()

	set, err := resolveTaskSet(ctx, cfg, request)
	if err != nil {
		return err
	}

	var reporter pipeline.Reporter = pipeline.NewConsoleReporter()
	if flagQuiet {
		reporter = pipeline.NopReporter{}
	}

	coordinator, err := pipeline.NewCoordinator(pipeline.Options{
		RepoPath:          cfg.BaseRepo,
		BaseBranch:        cfg.BaseBranch,
		WorktreeBase:      cfg.WorktreeBase,
		MaxEngineers:      cfg.MaxEngineers,
		MaxRevisionRounds: cfg.MaxReviewRetries,
		UseRemote:         cfg.UseRemote,
		Factory: &agent.ClaudeFactory{
			Model:      cfg.Model,
			MaxTurns:   cfg.MaxTurns,
			BaseBranch: cfg.BaseBranch,
		},
		Reviewer: agent.NewClaudeReviewer(cfg.Model, cfg.MaxTurns),
		Reporter: reporter,
		Logger:   logger,
		Store:    store,
		RunID:    uuid.New().String()[:8],
	})
	if err != nil {
		return err
	}

	if err := coordinator.Initialize(set); err != nil {
		return err
	}
	coordinator.Start(ctx, set)

	summary, err := coordinator.WaitForCompletion(ctx)
	coordinator.Cleanup()
	if err != nil {
		return fmt.Errorf("pipeline interrupted: %w", err)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", summary.Failed, summary.Total)
	}
	return nil
}

// resolveTaskSet loads tasks from a file or plans them from the request.
func resolveTaskSet(ctx context.Context, cfg *config.Config, request string) (*models.TaskSet, error) {
	if flagTaskFile != "" {
		return taskfile.Load(flagTaskFile)
	}

	planner := agent.NewClaudePlanner(cfg.Model, cfg.MaxTurns, cfg.BaseRepo)
	set, err := planner.Plan(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("plan tasks: %w", err)
	}
	return set, nil
}
