package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
)

type nipCheckView struct {
	NIP     string `json:"nip"`
	Active  bool   `json:"active"`
	Checked bool   `json:"checked"`
	Reason  string `json:"reason,omitempty"`
}

func newNIPCmd(rt *runtime) *cobra.Command {
	nipCmd := &cobra.Command{
		Use:   "nip",
		Short: "Tax identifier tools",
	}

	checkCmd := &cobra.Command{
		Use:   "check <nip>",
		Short: "Check a buyer NIP against the VAT white list",
		Long:  `Reports whether the NIP is an active VAT payer. An unreachable registry reports active with checked=false.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nip, err := crypto.NormalizeTaxID(args[0])
			if err != nil {
				return err
			}
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Services.Registry.CheckTaxIDActive(ctx, nip)
				return printJSON(cmd, nipCheckView{NIP: nip, Active: res.Active, Checked: res.Checked, Reason: res.Reason})
			})
		},
	}

	nipCmd.AddCommand(checkCmd)
	return nipCmd
}
