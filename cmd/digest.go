package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Send the digest of history entries from the last 24 hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := a.RunDigest(cmd.Context())
			if err != nil {
				return fmt.Errorf("digest: %w", err)
			}
			entries := 0
			for _, it := range items {
				entries += len(it.NewEntries)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "digest: %d processes, %d entries\n", len(items), entries)
			return nil
		},
	}
}
