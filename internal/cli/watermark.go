package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/extract"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/watermark"
)

func newWatermarkCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect and override extraction checkpoints",
		Long: `Read or rewrite the per-entity watermarks incremental runs start from.
Setting a watermark appends a new history row; past rows are kept for audit.`,
	}
	cmd.AddCommand(
		newWatermarkGetCmd(opts),
		newWatermarkSetCmd(opts),
		newWatermarkListCmd(opts),
	)
	return cmd
}

func newWatermarkGetCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity>",
		Short: "Print the current watermark for one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.setup()
			if err != nil {
				return err
			}
			marks, err := openWatermarkStore(app.cfg)
			if err != nil {
				return err
			}
			defer marks.Close()

			entry, err := marks.Current(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no watermark stored (next run starts from %s)\n", args[0], watermark.Epoch)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s) version=%d updated=%s\n",
				entry.Entity, entry.Value, watermarkTime(entry.Value),
				entry.Version, entry.UpdatedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func newWatermarkSetCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "set <entity> <value>",
		Short: "Override an entity's watermark",
		Long: `Set an entity's watermark to an epoch-milliseconds integer or an
RFC 3339 timestamp. The value is canonicalized to epoch milliseconds. The
next incremental run extracts records modified strictly after it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.setup()
			if err != nil {
				return err
			}
			entity, value := args[0], args[1]

			e, ok := app.registry.Get(entity)
			if !ok {
				return fmt.Errorf("unknown entity %q", entity)
			}
			if e.Kind != extract.KindSearch {
				return fmt.Errorf("entity %q is not incrementally extracted", entity)
			}

			ms, err := watermark.EpochMillis(value)
			if err != nil {
				return err
			}
			canonical := watermark.Format(ms)

			marks, err := openWatermarkStore(app.cfg)
			if err != nil {
				return err
			}
			defer marks.Close()

			if err := marks.Set(cmd.Context(), entity, e.ChangeField, canonical); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: watermark set to %s (%s)\n",
				entity, canonical, watermarkTime(canonical))
			return nil
		},
	}
}

func newWatermarkListCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current watermark of every entity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.setup()
			if err != nil {
				return err
			}
			marks, err := openWatermarkStore(app.cfg)
			if err != nil {
				return err
			}
			defer marks.Close()

			entries, err := marks.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no watermarks stored")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tVALUE\tTIME\tVERSION\tUPDATED")
			for _, entry := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					entry.Entity, entry.Value, watermarkTime(entry.Value),
					entry.Version, entry.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

// watermarkTime renders a canonical watermark as UTC wall time.
func watermarkTime(value string) string {
	ms, err := watermark.EpochMillis(value)
	if err != nil {
		return "?"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
