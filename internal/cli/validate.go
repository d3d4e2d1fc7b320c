package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
)

func newValidateCmd(rt *runtime) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an invoice without sending it",
		Long: `Validates a rendered FA document (.xml) or renders an invoice JSON file with the configured
seller and validates the result. Nothing is sent and no session is opened.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			var document []byte
			if strings.EqualFold(filepath.Ext(path), ".xml") {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read document: %w", err)
				}
				document = data
			} else {
				inv, err := readInvoice(path)
				if err != nil {
					return err
				}
				document, err = invoice.NewRenderer(app.Seller(rt.cfg)).Render(inv)
				if err != nil {
					return err
				}
			}

			if err := invoice.Validate(document); err != nil {
				return ksef.WrapValidationError(err, "document failed validation")
			}

			if output != "" {
				if err := os.WriteFile(output, document, 0o644); err != nil {
					return fmt.Errorf("failed to write document: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the rendered document to this file")
	return cmd
}
