package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/christopherjohns/bookreview/internal/config"
)

// NewEnvCommand creates the env command.
func NewEnvCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Describe the environment variables the server reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := config.EnvUsage()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usage)
			return nil
		},
	}
}
