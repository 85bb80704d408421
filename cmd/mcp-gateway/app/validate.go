package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-gateway-go/pkg/config"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the upstream servers file",
		Long: `Parse the configuration file and report every upstream entry that would be
skipped at startup. Exits non-zero when any entry is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := config.NewStore(v.GetString("config"))
			if err != nil {
				return err
			}
			descriptors, configErrs, err := store.LoadAll()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", store.Path())
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTRANSPORT\tAUTH")
			for i := range descriptors {
				d := &descriptors[i]
				transport, _ := d.NormalizedTransport()
				kind, _ := d.AuthKind()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.DisplayName(), transport, kind)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, ce := range configErrs {
				fmt.Fprintf(out, "invalid: %v\n", ce)
			}
			if len(configErrs) > 0 {
				return fmt.Errorf("%d invalid upstream entries", len(configErrs))
			}
			return nil
		},
	}
}
