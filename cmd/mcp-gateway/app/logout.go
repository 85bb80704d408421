package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-gateway-go/pkg/credstore"
)

func newLogoutCmd(v *viper.Viper) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "logout [server-id...]",
		Short: "Forget stored OAuth credentials",
		Long: `Delete the stored credentials of the named upstreams, or of every upstream
with --all. The next connection to those upstreams starts a new authorization.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("name at least one server id or pass --all")
			}
			store, err := credstore.NewFileStore(v.GetString("credentials"))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ids := args
			if all {
				if ids, err = store.Keys(ctx); err != nil {
					return err
				}
			}
			for _, id := range ids {
				if err := store.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed credentials for %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Remove every stored credential")
	return cmd
}
