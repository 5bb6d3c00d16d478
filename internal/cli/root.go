// Package cli implements the hubspot-bronze command tree.
package cli

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options carries the global flags shared by every subcommand. Zero values
// defer to the HUBSPOT_* environment configuration.
type Options struct {
	EnvFile         string
	RegistryPath    string
	DryRun          bool
	StopOnError     bool
	Workers         int
	IncludeOptional bool
	MetricsAddr     string
	LogLevel        string
	LogFormat       string
	RunTimeout      time.Duration
}

// NewRootCmd builds the hubspot-bronze command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:   "hubspot-bronze",
		Short: "HubSpot CRM to bronze-layer ingestion connector",
		Long: `hubspot-bronze extracts HubSpot CRM and marketing entities into a
bronze object-store layout, either as full snapshots or incrementally from
per-entity watermarks.

Connection settings come from HUBSPOT_* environment variables, optionally
loaded from a .env file. OAuth credentials are resolved through the
configured secret provider and are never logged.`,
		Version:      "1.0.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.EnvFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.EnvFile, "env-file", "", "Load environment from this file (default: .env when present)")
	flags.StringVar(&opts.RegistryPath, "registry", "", "YAML entity registry overriding the built-in sources")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "Fetch records but skip sink writes and watermark advancement")
	flags.BoolVar(&opts.StopOnError, "stop-on-error", false, "Abort the run on the first entity failure")
	flags.IntVar(&opts.Workers, "workers", 0, "Concurrent entities (overrides HUBSPOT_WORKERS)")
	flags.BoolVar(&opts.IncludeOptional, "include-optional", false, "Include optional entities in full runs")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides HUBSPOT_METRICS_ADDR)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides HUBSPOT_LOG_LEVEL)")
	flags.StringVar(&opts.LogFormat, "log-format", "", "Log format: text or json (overrides HUBSPOT_LOG_FORMAT)")
	flags.DurationVar(&opts.RunTimeout, "run-timeout", 0, "Deadline for the whole run, e.g. 45m (default: none)")

	rootCmd.AddCommand(
		newFullCmd(opts),
		newIncrementalCmd(opts),
		newEntitiesCmd(opts),
		newWatermarkCmd(opts),
	)
	return rootCmd
}

// loadEnvFile loads --env-file strictly; without the flag a .env in the
// working directory is picked up when present and ignored otherwise.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	_ = godotenv.Load()
	return nil
}
