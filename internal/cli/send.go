package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

func newSendCmd(rt *runtime) *cobra.Command {
	var file, tenant string

	cmd := &cobra.Command{
		Use:   "send [submission-id]",
		Short: "Send a submission to KSeF",
		Long: `Sends an existing submission, or creates one from an invoice JSON file first.

Example:
  ksefctl send --file invoice.json
  ksefctl send 4b7c8a52-5a4f-4a8e-9d7e-2c1f0e6b3a10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return fmt.Errorf("give either a submission id or --file")
			}
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var id uuid.UUID
				if file != "" {
					sub, err := createFromFile(ctx, a, file, tenant)
					if err != nil {
						return err
					}
					id = sub.ID
				} else {
					var err error
					if id, err = parseID(args[0]); err != nil {
						return err
					}
				}

				res, err := a.Pipeline.SubmitOne(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Invoice JSON file to create a submission from")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant for a submission created from --file")
	return cmd
}

func newBatchCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <submission-id>...",
		Short: "Send several submissions over one session",
		Long:  `Every buyer and document is checked first; one failure aborts the batch before anything is sent.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Pipeline.SubmitBatch(ctx, ids)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func readInvoice(path string) (invoice.Invoice, error) {
	var inv invoice.Invoice
	data, err := os.ReadFile(path)
	if err != nil {
		return inv, fmt.Errorf("failed to read invoice: %w", err)
	}
	if err := json.Unmarshal(data, &inv); err != nil {
		return inv, ksef.WrapValidationError(err, "invoice file is not valid JSON")
	}
	if err := inv.Check(); err != nil {
		return inv, ksef.WrapValidationError(err, "invalid invoice")
	}
	return inv, nil
}

func createFromFile(ctx context.Context, a *app.App, path, tenant string) (*store.Submission, error) {
	inv, err := readInvoice(path)
	if err != nil {
		return nil, err
	}
	sub := &store.Submission{Tenant: tenant, Invoice: inv}
	if err := a.Store.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
