package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/pkg/pagination"
)

func webhookCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Deliver records to the configured webhook endpoints",
	}

	syncCmd := &cobra.Command{
		Use:   "sync [KIND]",
		Short: "Run one synchronisation pass for one or every configured kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			if len(a.syncer.Kinds()) == 0 {
				return fmt.Errorf("%w: no webhook endpoint is configured", apperr.ErrConfiguration)
			}

			var reports []*webhook.Report
			if len(args) == 1 {
				kind, perr := webhook.ParseKind(args[0])
				if perr != nil {
					return perr
				}
				var r *webhook.Report
				r, err = a.syncer.Run(cmd.Context(), kind)
				if r != nil {
					reports = append(reports, r)
				}
			} else {
				reports, err = a.syncer.RunAll(cmd.Context())
			}

			for _, r := range reports {
				renderReport(cmd.OutOrStdout(), r, c.verbose)
			}
			return err
		},
	}

	var kindFilter string
	var limit, offset int
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "List recent delivery attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind webhook.Kind
			if kindFilter != "" {
				k, err := webhook.ParseKind(kindFilter)
				if err != nil {
					return err
				}
				kind = k
			}

			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			attempts, total, err := a.deliveries.ListDeliveries(cmd.Context(), kind, pagination.New(limit, offset))
			if err != nil {
				return err
			}
			renderDeliveries(cmd.OutOrStdout(), attempts, total)
			return nil
		},
	}
	logCmd.Flags().StringVar(&kindFilter, "kind", "", "Only this record kind")
	logCmd.Flags().IntVar(&limit, "limit", 20, "Rows to show")
	logCmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")

	cmd.AddCommand(syncCmd, logCmd)
	return cmd
}
