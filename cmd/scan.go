package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newScanCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "scan [id]",
		Short: "Scan one process, or every linked process with --all, and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one of a process id or --all")
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if all {
				report, err := a.ScanAll(cmd.Context())
				if err != nil {
					return fmt.Errorf("scan all: %w", err)
				}
				a.Logger().Info("bulk scan complete", zap.Int("total", report.Total), zap.Int("changed", report.Changed))
				return enc.Encode(report)
			}

			result, err := a.ScanByID(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("scan %s: %w", args[0], err)
			}
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "scan every process that has a link")
	return cmd
}
