package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rackcycle/rackcycle/pkg/config"
	"github.com/rackcycle/rackcycle/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		watch      bool
		policyDirs []string
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a fleet configuration without running anything",
		Long: `Validate a fleet configuration file.

The document passes through the same gates a run would apply: schema
validation on the raw YAML, field validation on the decoded types,
cross-reference checks, and a trial build of every configured plan.
Each plan is then screened by the guard policies.

With --watch the command stays up and re-validates on every save,
which pairs well with editing the config in another terminal.`,
		Example: `  # Validate the default config
  rackcycle validate

  # Validate a candidate before swapping it in
  rackcycle validate staging/rackcycle.yaml

  # Keep validating while editing
  rackcycle validate --watch

  # Include site-specific guard policies
  rackcycle validate --policy-dir /etc/rackcycle/policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			return validateConfig(cmd.Context(), path, policyDirs, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate whenever the file changes")
	cmd.Flags().StringArrayVar(&policyDirs, "policy-dir", nil, "directory or file with additional guard policies (repeatable)")

	return cmd
}

func validateConfig(ctx context.Context, path string, policyDirs []string, watch bool) error {
	tel, err := setupTelemetry("")
	if err != nil {
		return exitWith(ExitFatal, err)
	}
	logger := tel.Logger.Zerolog()

	guards, err := policy.NewEngine(logger)
	if err != nil {
		return exitWith(ExitFatal, err)
	}
	if len(policyDirs) > 0 {
		if err := guards.LoadPolicies(ctx, policyDirs); err != nil {
			return exitWith(ExitUsage, fmt.Errorf("loading policies: %w", err))
		}
	}

	ok := validateOnce(ctx, os.Stdout, path, guards)
	if !watch {
		if !ok {
			return exitSilent(ExitUsage)
		}
		return nil
	}

	// Policy reloads recompile from scratch so a fixed policy file does
	// not leave its broken predecessor registered.
	if len(policyDirs) > 0 {
		pl := policy.NewLoader(logger)
		err := pl.Watch(ctx, policyDirs, func(policies []policy.Policy) error {
			if err := guards.ReloadPolicies(ctx); err != nil {
				return err
			}
			if err := guards.ApplyPolicies(ctx, policies); err != nil {
				return err
			}
			validateOnce(ctx, os.Stdout, path, guards)
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Policy watch unavailable, config changes still tracked")
		} else {
			defer pl.StopWatching()
		}
	}

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", path)
	}
	return config.NewLoader().Watch(ctx, path, func(*config.Config, error) {
		// Reload and revalidate from the top so plan builds and policy
		// screening run against the fresh document.
		validateOnce(ctx, os.Stdout, path, guards)
	})
}

// validateOnce runs the full validation pipeline for one document and
// reports whether it came out clean.
func validateOnce(ctx context.Context, out io.Writer, path string, guards *policy.Engine) bool {
	var (
		problems   []string
		violations []policy.Violation
		warnings   []string
		plans      int
	)

	cfg, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		var ves config.ValidationErrors
		if errors.As(err, &ves) {
			for _, ve := range ves {
				problems = append(problems, ve.Error())
			}
		} else {
			problems = append(problems, err.Error())
		}
	} else {
		planIDs := cfg.PlanIDs()
		plans = len(planIDs)
		for _, id := range planIDs {
			plan, err := cfg.BuildPlan(id)
			if err != nil {
				problems = append(problems, fmt.Sprintf("plan %s: %v", id, err))
				continue
			}
			verdict, err := guards.EvaluatePlan(ctx, plan, &policy.Context{Operation: "validate"})
			if err != nil {
				problems = append(problems, fmt.Sprintf("plan %s: policy evaluation: %v", id, err))
				continue
			}
			violations = append(violations, verdict.Violations...)
			warnings = append(warnings, verdict.Warnings...)
			for _, v := range verdict.Blocking() {
				problems = append(problems, fmt.Sprintf("plan %s: policy %s: %s", id, v.Policy, v.Message))
			}
		}
	}

	ok := len(problems) == 0

	if jsonOutput {
		enc := json.NewEncoder(out)
		_ = enc.Encode(validationSummary{
			Path:       path,
			Valid:      ok,
			Plans:      plans,
			Problems:   problems,
			Violations: violations,
			Warnings:   warnings,
		})
		return ok
	}

	for _, w := range warnings {
		fmt.Fprintf(out, "policy warning: %s\n", w)
	}
	for _, v := range violations {
		if !v.Severity.Blocking() {
			fmt.Fprintf(out, "%s\n", formatViolation(v))
		}
	}
	if ok {
		fmt.Fprintf(out, "%s: configuration valid (%d plans)\n", path, plans)
		return true
	}
	fmt.Fprintf(out, "%s: %d problems\n", path, len(problems))
	for _, p := range problems {
		fmt.Fprintf(out, "  %s\n", p)
	}
	return false
}

type validationSummary struct {
	Path       string             `json:"path"`
	Valid      bool               `json:"valid"`
	Plans      int                `json:"plans"`
	Problems   []string           `json:"problems,omitempty"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
}

// printPolicyFindings renders a policy verdict for humans. Blocking
// violations and advisories share the format; the severity tag tells
// them apart.
func printPolicyFindings(w io.Writer, res *policy.Result) {
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "policy warning: %s\n", warn)
	}
	for _, v := range res.Violations {
		fmt.Fprintf(w, "%s\n", formatViolation(v))
	}
}

func formatViolation(v policy.Violation) string {
	loc := ""
	if v.Phase != "" {
		loc = " phase " + v.Phase
	}
	if v.Target != "" {
		loc += " target " + v.Target
	}
	return fmt.Sprintf("policy %s [%s]%s: %s", v.Policy, v.Severity, loc, v.Message)
}
