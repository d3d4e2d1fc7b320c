package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
)

func newQueueCmd(rt *runtime) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the retry queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued submissions in drain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Queue.List(ctx, 0)
				if err != nil {
					return err
				}
				return printJSON(cmd, entries)
			})
		},
	}

	var maxBatch int
	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Re-send queued submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				batch := maxBatch
				if batch <= 0 {
					batch = rt.cfg.KsefQueueBatchSize
				}
				report, err := a.Drainer.Drain(ctx, batch)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	drainCmd.Flags().IntVar(&maxBatch, "max", 0, "Entries to process (default KSEF_QUEUE_BATCH_SIZE)")

	queueCmd.AddCommand(listCmd, drainCmd)
	return queueCmd
}
