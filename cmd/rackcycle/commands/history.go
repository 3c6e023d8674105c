package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rackcycle/rackcycle/pkg/report"
	"github.com/rackcycle/rackcycle/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs from the journal",
		Long: `List past runs recorded in the run journal, most recent first.

Every non-dry run is journaled with its per-phase and per-target
results. Use "history show" to replay a run's summary and "history
prune" to trim old records.`,
		Example: `  rackcycle history
  rackcycle history --limit 5
  rackcycle history show 3f8a1c2e-...
  rackcycle history prune --keep 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listHistory(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Replay the summary of one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showRun(cmd.Context(), args[0], events)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the stored event timeline")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs, keeping the most recent ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pruneHistory(cmd.Context(), keep)
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "number of recent runs to keep")

	return cmd
}

func listHistory(ctx context.Context, limit int) error {
	store, err := openJournal(ctx)
	if err != nil {
		return exitWith(ExitFatal, fmt.Errorf("opening journal: %w", err))
	}
	defer store.Close()

	records, err := store.ListRuns(ctx, limit, 0)
	if err != nil {
		return exitWith(ExitFatal, fmt.Errorf("listing runs: %w", err))
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	fmt.Printf("%-36s  %-16s  %-8s  %-10s  %-19s  %s\n",
		"RUN", "PLAN", "MODE", "OUTCOME", "STARTED", "DURATION")
	for _, rec := range records {
		fmt.Printf("%-36s  %-16s  %-8s  %-10s  %-19s  %s\n",
			rec.ID,
			rec.PlanID,
			rec.Mode,
			rec.Outcome,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Duration.Round(time.Millisecond))
	}
	return nil
}

func showRun(ctx context.Context, runID string, events bool) error {
	store, err := openJournal(ctx)
	if err != nil {
		return exitWith(ExitFatal, fmt.Errorf("opening journal: %w", err))
	}
	defer store.Close()

	rep, err := store.GetReport(ctx, runID)
	if err != nil {
		return exitWith(ExitUsage, fmt.Errorf("run %s: %w", runID, err))
	}

	if jsonOutput {
		if err := json.NewEncoder(os.Stdout).Encode(rep); err != nil {
			return exitWith(ExitFatal, err)
		}
	} else {
		report.NewConsoleReporter(os.Stdout).OnRunFinish(rep)
	}

	if !events {
		return nil
	}

	evs, err := store.ListEvents(ctx, stores.EventFilter{RunID: runID}, 500, 0)
	if err != nil {
		return exitWith(ExitFatal, fmt.Errorf("listing events: %w", err))
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(evs)
	}
	// ListEvents returns newest first; replay the timeline oldest first.
	fmt.Println()
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		loc := ev.PhaseID
		if ev.Target != "" {
			loc += "/" + ev.Target
		}
		fmt.Printf("%s  %-16s  %-28s  %s\n",
			ev.Timestamp.Local().Format("15:04:05.000"), ev.Type, loc, ev.Message)
	}
	return nil
}

func pruneHistory(ctx context.Context, keep int) error {
	store, err := openJournal(ctx)
	if err != nil {
		return exitWith(ExitFatal, fmt.Errorf("opening journal: %w", err))
	}
	defer store.Close()

	removed, err := store.PruneRuns(ctx, keep)
	if err != nil {
		return exitWith(ExitFatal, fmt.Errorf("pruning journal: %w", err))
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]int64{"removed": removed})
	}
	fmt.Printf("removed %d runs, keeping the %d most recent\n", removed, keep)
	return nil
}
