package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/extract"
)

func newEntitiesCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the configured source entities",
		Long: `List every entity the registry knows about, including optional ones.
With --registry the listing reflects the merged or replaced table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry(opts.RegistryPath)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tMODE\tENDPOINT")
			for _, e := range registry.Entities() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Kind, e.Mode, entityEndpoint(e))
			}
			return tw.Flush()
		},
	}
}

// entityEndpoint renders the endpoint column. Unconfigured optional
// object entities have no path until a registry file names their object.
func entityEndpoint(e extract.Entity) string {
	switch e.Kind {
	case extract.KindSearch:
		return e.SearchPath()
	case extract.KindObjectList:
		if e.Object == "" {
			return "(unconfigured)"
		}
	}
	return e.ListPath()
}
