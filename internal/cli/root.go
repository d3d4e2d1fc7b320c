// Package cli implements ksefctl, the operator command line for the gateway.
//
// Every command builds the same components as the HTTP service (see internal/app), so a send
// from the CLI goes through the buyer gate, the retry queue and the audit log exactly like a
// send through the API. Without DATABASE_URL the in-memory store is used and nothing survives
// the command.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/version"
)

// runtime is the state shared by the commands of one invocation.
type runtime struct {
	cfg    *config.ServerEnvironment
	logger *slog.Logger

	appOpts []app.Option
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&runtime{})
}

func newRootCmd(rt *runtime) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "ksefctl",
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Short:             "KSeF gateway operator CLI",
		Long:              `Operator commands for the KSeF gateway: sessions, sending, the retry queue, status polling and receipts`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			rt.cfg = cfg
			if rt.logger == nil {
				rt.logger = logger.InitLogger(logger.ParseLogLevel(cfg.LogLevel), cfg.Environment)
			}
			return nil
		},
	}

	v := version.Get()
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", v.Version, v.BuildDate, v.GitCommit)

	rootCmd.AddCommand(
		newSessionCmd(rt),
		newSendCmd(rt),
		newBatchCmd(rt),
		newStatusCmd(rt),
		newUpoCmd(rt),
		newQueueCmd(rt),
		newNIPCmd(rt),
		newValidateCmd(rt),
		newKeygenCmd(),
		newMigrateCmd(rt),
	)
	return rootCmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withApp builds the gateway for one command and closes it afterwards.
func (rt *runtime) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, rt.cfg, rt.logger, rt.appOpts...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
