package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rackcycle/rackcycle/pkg/engine"
)

func newPlansCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List the configured lifecycle plans",
		Long: `List every plan in the configuration with its phases, target
counts, and fallback chains. Each plan is built the same way a run
would build it, so a plan that cannot run shows up broken here.`,
		Example: `  rackcycle plans

  # Machine-readable listing
  rackcycle plans --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPlans(cmd.Context())
		},
	}
	return cmd
}

func listPlans(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitWith(ExitUsage, fmt.Errorf("loading %s: %w", configPath, err))
	}

	ids := cfg.PlanIDs()

	if jsonOutput {
		summaries := make([]planSummary, 0, len(ids))
		for _, id := range ids {
			plan, err := cfg.BuildPlan(id)
			if err != nil {
				summaries = append(summaries, planSummary{ID: id, Error: err.Error()})
				continue
			}
			summaries = append(summaries, summarizePlan(plan))
		}
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}

	if len(ids) == 0 {
		fmt.Printf("%s: no plans configured\n", configPath)
		return nil
	}

	for _, id := range ids {
		plan, err := cfg.BuildPlan(id)
		if err != nil {
			fmt.Printf("%s: broken: %v\n", id, err)
			continue
		}
		if plan.Description != "" {
			fmt.Printf("%s  (%s)\n", plan.ID, plan.Description)
		} else {
			fmt.Println(plan.ID)
		}
		for _, ph := range plan.Phases {
			mark := ""
			if ph.HostPhase {
				mark = "  [hosts]"
			}
			fmt.Printf("  %-14s %-9s %2d targets  via %s%s\n",
				ph.ID, ph.Operation, len(ph.Targets), strategyChain(ph.Fallbacks), mark)
		}
	}

	if slices.Contains(ids, "shutdown") && !slices.Contains(ids, "status") {
		fmt.Println("\nstatus  (derived from the shutdown plan at run time)")
	}
	return nil
}

type planSummary struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Phases      []phaseSummary `json:"phases,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type phaseSummary struct {
	ID          string   `json:"id"`
	Operation   string   `json:"operation"`
	Targets     int      `json:"targets"`
	Strategies  []string `json:"strategies"`
	HostPhase   bool     `json:"host_phase,omitempty"`
	NonBlocking bool     `json:"non_blocking,omitempty"`
}

func summarizePlan(plan *engine.Plan) planSummary {
	s := planSummary{
		ID:          plan.ID,
		Description: plan.Description,
		Phases:      make([]phaseSummary, 0, len(plan.Phases)),
	}
	for _, ph := range plan.Phases {
		s.Phases = append(s.Phases, phaseSummary{
			ID:          ph.ID,
			Operation:   string(ph.Operation),
			Targets:     len(ph.Targets),
			Strategies:  strategyKinds(ph.Fallbacks),
			HostPhase:   ph.HostPhase,
			NonBlocking: ph.NonBlocking,
		})
	}
	return s
}

// strategyChain renders a fallback chain in priority order.
func strategyChain(fallbacks []engine.Strategy) string {
	return strings.Join(strategyKinds(fallbacks), ", ")
}

func strategyKinds(fallbacks []engine.Strategy) []string {
	ordered := make([]engine.Strategy, len(fallbacks))
	copy(ordered, fallbacks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	kinds := make([]string, 0, len(ordered))
	for _, st := range ordered {
		kinds = append(kinds, string(st.AdapterKind))
	}
	return kinds
}
