package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kugutsu-dev/kugutsu/internal/state"
)

var flagStatusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent pipeline runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.Open(flagRepo)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			return printRunDetail(store, args[0])
		}
		return printRecentRuns(store)
	},
	SilenceUsage: true,
}

func init() {
	statusCmd.Flags().IntVar(&flagStatusLimit, "limit", 10, "number of runs to show")
	rootCmd.AddCommand(statusCmd)
}

func printRecentRuns(store *state.Store) error {
	runs, err := store.RecentRuns(flagStatusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	for _, run := range runs {
		duration := run.FinishedAt.Sub(run.StartedAt).Round(time.Second)
		switch {
		case run.FailedTasks > 0:
			color.Yellow("%s  %d/%d merged, %d failed  %s", run.ID, run.MergedTasks, run.TotalTasks, run.FailedTasks, duration)
		case run.MergedTasks == run.TotalTasks && run.TotalTasks > 0:
			color.Green("%s  %d/%d merged  %s", run.ID, run.MergedTasks, run.TotalTasks, duration)
		default:
			fmt.Printf("%s  %d/%d merged\n", run.ID, run.MergedTasks, run.TotalTasks)
		}
		fmt.Printf("    %s  %s\n", run.StartedAt.Format("2006-01-02 15:04"), run.Request)
	}
	return nil
}

func printRunDetail(store *state.Store, runID string) error {
	results, err := store.TaskResults(runID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("no task results for run %s", runID)
	}

	for _, r := range results {
		c := color.New(color.FgGreen)
		if r.State == "FAILED" {
			c = color.New(color.FgRed)
		}
		c.Printf("%-7s", r.State)
		fmt.Printf(" %s (%s)", r.Title, r.TaskID)
		if r.Detail != "" {
			fmt.Printf("  %s", r.Detail)
		}
		fmt.Println()
	}
	return nil
}
