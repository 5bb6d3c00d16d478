package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/config"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/extract"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/hubspot"
)

func newFullCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "full [entity...]",
		Short: "Snapshot entities into the bronze layer",
		Long: `Extract full snapshots of the named entities, or of every full-mode
entity when none are named. Snapshots overwrite the entity's previous
bronze objects. Incremental entities are included as plain listings;
optional entities only with --include-optional.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtraction(cmd, opts, extract.ModeFull, args)
		},
	}
}

func newIncrementalCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "incremental [entity...]",
		Short: "Extract changes since the stored watermarks",
		Long: `Extract records modified since each entity's stored watermark and
append them to the bronze layer. Covers the named entities, or every
incremental entity when none are named. Watermarks advance only after a
successful write.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtraction(cmd, opts, extract.ModeIncremental, args)
		},
	}
}

func runExtraction(cmd *cobra.Command, opts *Options, mode extract.Mode, names []string) error {
	app, err := opts.setup()
	if err != nil {
		return err
	}

	registry := app.registry
	if len(names) > 0 {
		if registry, err = registry.Subset(names...); err != nil {
			return err
		}
	}

	secrets, err := config.NewSecretProvider(app.cfg)
	if err != nil {
		return err
	}
	cred, err := secrets.Credential()
	if err != nil {
		return err
	}

	tokens := hubspot.NewTokenProvider(&hubspot.TokenProviderConfig{
		BaseURL:    app.cfg.BaseURL,
		Credential: cred,
		Cache:      app.cfg.TokenCache,
	})
	client := hubspot.NewClient(&hubspot.ClientConfig{
		BaseURL:           app.cfg.BaseURL,
		Tokens:            tokens,
		Timeout:           app.cfg.Timeout(),
		MaxRetries:        app.cfg.MaxRetries,
		RateLimit:         app.cfg.RateLimit,
		RateBurst:         app.cfg.RateBurst,
		RetryUnauthorized: app.cfg.TokenCache,
		Logger:            app.log,
		Metrics:           app.metrics,
	})
	paginator := hubspot.NewPaginator(client, &hubspot.PaginatorConfig{
		MaxPages: app.cfg.MaxPages,
		Logger:   app.log,
		Metrics:  app.metrics,
	})

	ctx := cmd.Context()
	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	marks, err := openWatermarkStore(app.cfg)
	if err != nil {
		return err
	}
	defer marks.Close()

	bronze, err := openSink(ctx, app.cfg, app.log, app.metrics)
	if err != nil {
		return err
	}

	stopMetrics := serveMetrics(app.cfg.MetricsAddr, app.metrics, app.log)
	defer stopMetrics()

	runner := extract.NewRunner(extract.RunnerConfig{
		Config: extract.Config{
			Client:     client,
			Paginator:  paginator,
			Sink:       bronze,
			Watermarks: marks,
			Logger:     app.log,
			Metrics:    app.metrics,
			DryRun:     opts.DryRun,
		},
		Registry:        registry,
		Workers:         app.cfg.Workers,
		StopOnError:     opts.StopOnError,
		IncludeOptional: opts.IncludeOptional,
	})

	report, err := runner.Run(ctx, mode)
	printReport(cmd.OutOrStdout(), report)
	return err
}

// printReport renders the per-entity summary, ordered by entity name so
// concurrent runs stay readable.
func printReport(w io.Writer, report *extract.Report) {
	if report == nil || len(report.Results) == 0 {
		return
	}
	results := append([]extract.Result(nil), report.Results...)
	sort.Slice(results, func(i, j int) bool { return results[i].Entity < results[j].Entity })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tROWS\tDURATION\tWATERMARK\tSTATUS")
	for _, res := range results {
		mark := "-"
		if res.Mode == extract.ModeIncremental && res.Err == nil {
			mark = res.OldWatermark + " -> " + res.NewWatermark
		}
		status := "ok"
		if res.Err != nil {
			status = "failed: " + res.Err.Error()
		} else if res.Skipped > 0 {
			status = fmt.Sprintf("ok (%d skipped)", res.Skipped)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			res.Entity, res.Rows, res.Duration.Round(time.Millisecond), mark, status)
	}
	tw.Flush()
}
