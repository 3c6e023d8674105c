package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rackcycle/rackcycle/pkg/config"
	"github.com/rackcycle/rackcycle/pkg/stores"
	"github.com/rackcycle/rackcycle/pkg/telemetry"
)

var (
	// Global flags
	configPath  string
	debug       bool
	jsonOutput  bool
	journalPath string

	// buildVersion feeds telemetry resource attributes.
	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rackcycle",
		Short: "Rackcycle - fleet lifecycle orchestrator",
		Long: `Rackcycle sequences shutdown and startup of a rack of heterogeneous
infrastructure: virtualization hosts, control-plane managers, edge
appliances, and containerized workloads.

Plans are ordered phases over target groups. Each target is driven
through a fallback chain of strategies (token REST, basic REST, SSH,
kube) with bounded retries, asynchronous-state polling, and per-target
results. Failures become data in the run report, never stack traces.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),

		// Runtime failures are reported through the run summary and the
		// error message; usage text would bury them.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rackcycle.yaml", "fleet config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output (NDJSON events, JSON logs)")
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "run journal database path (default $HOME/.rackcycle/journal.db)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlansCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// setupTelemetry builds the logging/metrics/tracing bundle from the
// global flags. metricsListen is non-empty only for run.
func setupTelemetry(metricsListen string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if buildVersion != "" {
		cfg.ServiceVersion = buildVersion
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	if metricsListen != "" {
		cfg.Metrics.ListenAddress = metricsListen
	}
	return telemetry.NewTelemetry(cfg)
}

// loadConfig loads and validates the fleet document named by --config.
func loadConfig(ctx context.Context) (*config.Config, error) {
	return config.NewLoader().Load(ctx, configPath)
}

// resolveJournalPath returns the journal database path, creating the
// default directory on first use.
func resolveJournalPath() (string, error) {
	if journalPath != "" {
		return journalPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory for the journal: %w", err)
	}
	dir := filepath.Join(home, ".rackcycle")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating journal directory: %w", err)
	}
	return filepath.Join(dir, "journal.db"), nil
}

// openJournal opens the run journal store and brings its schema up to
// date.
func openJournal(ctx context.Context) (stores.Store, error) {
	path, err := resolveJournalPath()
	if err != nil {
		return nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
