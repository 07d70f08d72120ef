package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newDomainsCmd groups the problematic-domain list operations.
func newDomainsCmd(_ *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domains",
		Short: "Inspects and edits the list of domains that skip direct fetching",
	}
	cmd.AddCommand(newDomainsListCmd(), newDomainsCheckCmd(), newDomainsAddCmd())
	return cmd
}

func newDomainsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Prints the problematic domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, entry := range a.Domains().Entries() {
				fmt.Fprintln(cmd.OutOrStdout(), entry)
			}
			return nil
		},
	}
}

func newDomainsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check URL",
		Short: "Shows which strategy a URL starts with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entry, ok := a.Domains().Match(args[0])
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tmatched %q\n", args[0], a.Domains().Route(args[0]), entry)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], a.Domains().Route(args[0]))
			return nil
		},
	}
}

func newDomainsAddCmd() *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:   "add ENTRY...",
		Short: "Adds hostname fragments to the list",
		Long: `Adds hostname fragments to the list. Entries match by substring against
the lowercased host without its www. prefix. Without --persist the change
lasts for this process only.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, entry := range args {
				if a.Domains().Add(entry) {
					fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", entry)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "unchanged %s\n", entry)
				}
			}
			if !persist {
				return nil
			}
			if err := a.PersistDomains(a.Domains().Entries()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d entries to %s\n", len(a.Domains().Entries()), a.Config().Domains.File)
			return nil
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "write the list to domains.file")
	return cmd
}
