package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/christopherjohns/bookreview/internal/profile"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending profile store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(rootOpts)
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := profile.Migrate(cfg.Database.Driver, cfg.Database.DSN, log); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Database.Driver)
			return nil
		},
	}
}
