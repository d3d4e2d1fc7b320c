package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
)

func newStatusCmd(rt *runtime) *cobra.Command {
	var pending bool

	cmd := &cobra.Command{
		Use:   "status [submission-id]",
		Short: "Poll the KSeF verdict",
		Long: `Polls one submission, or with --pending every PENDING and VERIFICATION submission sent
within KSEF_STATUS_POLL_WINDOW (at most KSEF_STATUS_POLL_LIMIT).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if pending || len(args) == 0 {
					report, err := a.Reconciler.PollPending(ctx, rt.cfg.KsefStatusPollSince, rt.cfg.KsefStatusPollLimit)
					if err != nil {
						return err
					}
					return printJSON(cmd, report)
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				res, err := a.Reconciler.RefreshStatus(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "Poll every unresolved submission")
	return cmd
}

func newUpoCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "upo <submission-id>",
		Short: "Download the official receipt (UPO)",
		Long:  `Downloads the receipt and archives it when KSEF_UPO_S3_BUCKET or KSEF_UPO_STORAGE_DIR is set.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Reconciler.FetchReceipt(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}
