package main

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/transport"
	"github.com/spf13/cobra"
)

// offline is used by commands that never deliver.
type offline struct{}

func (offline) SendChatAction(context.Context, int64, string) error { return transport.ErrUnavailable }
func (offline) SendMessage(context.Context, int64, string) error    { return transport.ErrUnavailable }

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-activate users with queued parts and reschedule overdue outreach, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			e, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			rt, err := buildRuntime(e, offline{})
			if err != nil {
				return err
			}

			report, err := rt.Recover(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "queued users reactivated: %d\noverdue outreach rescheduled: %d\n",
				report.QueuedUsers, report.OverdueOutreach)

			return nil
		},
	}
}
