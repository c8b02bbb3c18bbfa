package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/queue"
	"github.com/spf13/cobra"
)

var errUserRequired = errors.New("--user must be a positive user id")

func newDLQCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered parts",
	}

	cmd.AddCommand(newDLQListCmd(opts), newDLQRequeueCmd(opts))

	return cmd
}

func openQueue(ctx context.Context, opts *rootOptions) (*queue.Queue, *env, error) {
	e, err := setup(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	q, err := queue.New(e.rdb,
		queue.WithKeys(e.cfg.Redis.Keys()),
		queue.WithMaxPartLength(e.cfg.Queue.MaxPartLength),
		queue.WithLogger(e.logger),
	)
	if err != nil {
		e.close(context.Background())

		return nil, nil, err
	}

	return q, e, nil
}

func newDLQListCmd(opts *rootOptions) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print a user's dead letters as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return errUserRequired
			}

			q, e, err := openQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			records, err := q.DeadLetters(cmd.Context(), userID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")

	return cmd
}

func newDLQRequeueCmd(opts *rootOptions) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Move a user's dead letters back to the tail of their queue with retries reset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return errUserRequired
			}

			q, e, err := openQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			n, err := q.RequeueDeadLetters(cmd.Context(), userID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d dead letters for user %d\n", n, userID)

			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")

	return cmd
}
