package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/christopherjohns/bookreview/internal/app"
	"github.com/christopherjohns/bookreview/internal/identity"
)

// IdentitiesOptions holds flags for identities list.
type IdentitiesOptions struct {
	PageSize int
	Limit    int
}

// NewIdentitiesCommand creates the identities command group.
func NewIdentitiesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Inspect accounts held by the identity provider",
	}
	cmd.AddCommand(newIdentitiesListCommand(rootOpts))
	return cmd
}

func newIdentitiesListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IdentitiesOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provider accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(rootOpts)
			if err != nil {
				return err
			}
			defer log.Sync()

			provider, err := app.NewIdentityProvider(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			lister, ok := provider.(identity.Lister)
			if !ok {
				return errors.New("identity provider cannot list accounts")
			}
			ids, err := collectIdentities(cmd.Context(), lister, opts)
			if err != nil {
				return err
			}
			return writeIdentities(cmd.OutOrStdout(), rootOpts.Format, ids)
		},
	}
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 100, "accounts fetched per request")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "stop after this many accounts (0 = all)")
	return cmd
}

// collectIdentities follows page tokens until the provider is exhausted or
// the limit is reached.
func collectIdentities(ctx context.Context, l identity.Lister, opts *IdentitiesOptions) ([]identity.Identity, error) {
	var (
		out   []identity.Identity
		token string
	)
	for {
		page, err := l.ListIdentities(ctx, token, opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list identities: %w", err)
		}
		out = append(out, page.Identities...)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			return out[:opts.Limit], nil
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

func writeIdentities(w io.Writer, format string, ids []identity.Identity) error {
	if format == "json" {
		if ids == nil {
			ids = []identity.Identity{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ids)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DURABLE ID\tEMAIL\tNAME\tVERIFIED")
	for _, id := range ids {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", id.DurableID, id.Email, id.DisplayName, id.EmailVerified)
	}
	return tw.Flush()
}
