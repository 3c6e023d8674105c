package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rackcycle/rackcycle/pkg/adapters"
	"github.com/rackcycle/rackcycle/pkg/adapters/kube"
	"github.com/rackcycle/rackcycle/pkg/adapters/rest"
	"github.com/rackcycle/rackcycle/pkg/adapters/sshcmd"
	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/config"
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/policy"
	"github.com/rackcycle/rackcycle/pkg/report"
	"github.com/rackcycle/rackcycle/pkg/telemetry"
)

const skipPredicateTimeout = 5 * time.Second

func newRunCommand() *cobra.Command {
	var (
		dryRun        bool
		quick         bool
		noHosts       bool
		phaseID       string
		policyDirs    []string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "run <plan-id>",
		Short: "Execute a lifecycle plan",
		Long: `Execute a configured lifecycle plan phase by phase.

Phases run strictly in plan order with a full barrier between them;
targets within a phase run in parallel up to the phase's concurrency.
Each target walks its fallback chain until a strategy succeeds. The
run ends with a per-phase summary and an attention list of targets
that did not succeed.

The plans shutdown, startup, and status are the conventional trio; a
status plan is derived from the shutdown plan (all phases flipped to
state reads) when the config does not define one.`,
		Example: `  # Orderly fleet shutdown, hosts included
  rackcycle run shutdown

  # Rehearse without mutating anything
  rackcycle run shutdown --dry-run

  # Re-run a single phase after fixing a target
  rackcycle run shutdown --phase workloads

  # Bring the fleet back, skipping settle delays
  rackcycle run startup --quick

  # Survey current state
  rackcycle run status`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RunOptions{
				RunID:        uuid.New().String(),
				PhaseID:      phaseID,
				DryRun:       dryRun,
				Quick:        quick,
				IncludeHosts: !noHosts,
			}
			return runPlan(cmd.Context(), args[0], opts, policyDirs, metricsListen)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "restrict every attempt to status reads")
	cmd.Flags().BoolVar(&quick, "quick", false, "skip post-phase settle delays")
	cmd.Flags().BoolVar(&noHosts, "no-hosts", false, "skip host-level phases")
	cmd.Flags().StringVar(&phaseID, "phase", "", "run exactly one phase by ID")
	cmd.Flags().StringArrayVar(&policyDirs, "policy-dir", nil, "additional policy directories (.rego, .json)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "expose prometheus metrics on this address for the run")

	return cmd
}

func runPlan(ctx context.Context, planID string, opts engine.RunOptions, policyDirs []string, metricsListen string) error {
	tel, err := setupTelemetry(metricsListen)
	if err != nil {
		return exitWith(ExitFatal, err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shCtx)
	}()
	logger := tel.Logger.Zerolog()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitWith(ExitUsage, fmt.Errorf("loading %s: %w", configPath, err))
	}

	plan, err := resolvePlan(cfg, planID)
	if err != nil {
		return exitWith(ExitUsage, err)
	}

	// Policy gate: blocking violations refuse the run before any
	// session is opened.
	guards, err := policy.NewEngine(logger)
	if err != nil {
		return exitWith(ExitFatal, err)
	}
	if len(policyDirs) > 0 {
		if err := guards.LoadPolicies(ctx, policyDirs); err != nil {
			return exitWith(ExitUsage, err)
		}
	}
	verdict, err := guards.EvaluatePlan(ctx, plan, &policy.Context{
		Operation: "run",
		Mode:      string(opts.Mode()),
		Quick:     opts.Quick,
	})
	if err != nil {
		return exitWith(ExitFatal, err)
	}
	printPolicyFindings(os.Stderr, verdict)
	if !verdict.Allowed {
		return exitWith(ExitDegraded,
			fmt.Errorf("plan %s refused by policy: %d blocking violations", plan.ID, len(verdict.Blocking())))
	}

	// The journal is best-effort: a locked or unwritable history
	// database downgrades to a warning, never blocks the run.
	store, err := openJournal(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Run journal unavailable, continuing without history")
		store = nil
	} else {
		defer store.Close()
	}

	sessions := broker.New(cfg.CredentialSource(), logger)

	registry := adapters.NewRegistry()
	for _, adapter := range []engine.Adapter{
		rest.NewTokenAdapter(logger),
		rest.NewBasicAdapter(logger),
		sshcmd.NewAdapter(logger),
		kube.NewAdapter(logger),
	} {
		if err := registry.Register(adapter); err != nil {
			return exitWith(ExitFatal, err)
		}
	}

	copts := []engine.ControllerOption{
		engine.WithPollObserver(tel.Metrics.RecordPolls),
	}
	if cfg.Defaults.AttemptCap > 0 {
		copts = append(copts, engine.WithAttemptCap(cfg.Defaults.AttemptCap))
	}
	if d := cfg.Defaults.RetryDelay.Std(); d > 0 {
		copts = append(copts, engine.WithRetryDelay(d))
	}
	controller := engine.NewFallbackController(registry, sessions, logger, copts...)

	if metricsListen != "" {
		if err := tel.StartMetricsServer(); err != nil {
			logger.Warn().Err(err).Str("listen", metricsListen).Msg("Metrics listener failed to start")
		}
	}

	runCtx, runSpan := tel.Tracer.StartRunSpan(ctx, opts.RunID, plan.ID, string(opts.Mode()))
	defer runSpan.End()

	reporters := []engine.Reporter{
		newConsoleReporter(opts.RunID),
		report.NewMetricsReporter(tel.Metrics),
		report.NewTraceReporter(tel.Tracer, runCtx),
	}

	var bus *report.Bus
	if store != nil {
		bus = report.NewBus(report.BusConfig{Async: true}, logger)
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := bus.Shutdown(shCtx); err != nil {
				logger.Warn().Err(err).Msg("Event bus drain timed out")
			}
		}()

		journal := report.NewJournalReporter(store, logger)
		bus.Subscribe(journal.HandleEvent)
		reporters = append(reporters, report.NewBusReporter(bus, opts.RunID), journal)
	}
	reporter := report.NewMultiReporter(reporters...)

	tel.Metrics.RecordRunStarted()
	if bus != nil {
		if err := bus.Publish(report.RunStartedEvent(opts.RunID, plan.ID, opts.Mode())); err != nil {
			logger.Warn().Err(err).Msg("Run-started event dropped")
		}
	}

	executor := engine.NewExecutor(controller, sessions, reporter, logger,
		engine.WithPredicateEvaluator(config.NewSkipEvaluator(skipPredicateTimeout)))

	runReport, runErr := executor.Run(runCtx, plan, opts)

	// Fatal aborts return before the executor's finish callback; the
	// operator still gets the summary and the journal the record.
	if runReport != nil && runErr != nil && !runReport.Cancelled {
		reporter.OnRunFinish(runReport)
	}
	if runErr != nil {
		telemetry.RecordError(runSpan, runErr)
	} else {
		telemetry.RecordSuccess(runSpan)
	}

	return exitForRun(runReport, runErr)
}

// resolvePlan builds the named plan, deriving a status plan when the
// config does not define one.
func resolvePlan(cfg *config.Config, id string) (*engine.Plan, error) {
	for _, pid := range cfg.PlanIDs() {
		if pid == id {
			return cfg.BuildPlan(id)
		}
	}
	if id == "status" {
		return statusPlan(cfg)
	}
	return nil, fmt.Errorf("plan %q is not configured (have: %s)", id, strings.Join(cfg.PlanIDs(), ", "))
}

// statusPlan derives a read-only state survey from the shutdown plan:
// same phases and targets, every operation flipped to a query, no
// settle delays, and no phase blocks the ones after it.
func statusPlan(cfg *config.Config) (*engine.Plan, error) {
	base, err := cfg.BuildPlan("shutdown")
	if err != nil {
		return nil, fmt.Errorf("no status plan configured and no shutdown plan to derive one from: %w", err)
	}
	plan := &engine.Plan{
		ID:            "status",
		Description:   "Fleet state survey derived from the shutdown plan",
		Prerequisites: base.Prerequisites,
	}
	for i := range base.Phases {
		phase := base.Phases[i]
		phase.Operation = engine.OperationQuery
		phase.SettleDelay = 0
		phase.NonBlocking = true
		plan.Phases = append(plan.Phases, phase)
	}
	return plan, nil
}

func newConsoleReporter(runID string) *report.ConsoleReporter {
	copts := []report.ConsoleOption{report.WithRunID(runID)}
	if jsonOutput {
		copts = append(copts, report.WithJSONOutput())
	}
	return report.NewConsoleReporter(os.Stdout, copts...)
}

// exitForRun maps the executor's outcome onto the process exit code.
func exitForRun(rep *engine.RunReport, err error) error {
	if err != nil {
		switch {
		case engine.CodeOf(err) == engine.ErrCodePrereqUnreachable:
			return exitWith(ExitPrereq, err)
		case errors.Is(err, context.Canceled) || (rep != nil && rep.Cancelled):
			return exitWith(ExitDegraded, err)
		default:
			return exitWith(ExitFatal, err)
		}
	}
	if rep != nil && rep.Succeeded() {
		return nil
	}
	return exitSilent(ExitDegraded)
}
