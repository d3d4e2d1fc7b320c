package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// sessionView is what the CLI prints for a session. The token is never shown.
type sessionView struct {
	ID                string     `json:"id"`
	Tenant            string     `json:"tenant,omitempty"`
	NIP               string     `json:"nip"`
	ExpiresAt         time.Time  `json:"expires_at"`
	LastKeepAlive     *time.Time `json:"last_keep_alive,omitempty"`
	ContextIdentifier string     `json:"context_identifier,omitempty"`
}

func viewSession(s *store.Session) sessionView {
	return sessionView{
		ID:                s.ID.String(),
		Tenant:            s.Tenant,
		NIP:               s.NIP,
		ExpiresAt:         s.ExpiresAt,
		LastKeepAlive:     s.LastKeepAlive,
		ContextIdentifier: s.ContextIdentifier,
	}
}

func newSessionCmd(rt *runtime) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage KSeF sessions",
	}

	var tenant, nip string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Open a new session",
		Long:  `Runs the challenge handshake and stores the session. --nip defaults to KSEF_NIP.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Sessions.InitiateSession(ctx, tenant, nip)
				if err != nil {
					return err
				}
				return printJSON(cmd, viewSession(s))
			})
		},
	}
	initCmd.Flags().StringVar(&tenant, "tenant", "", "Tenant the session belongs to")
	initCmd.Flags().StringVar(&nip, "nip", "", "Tax identifier to authenticate (default KSEF_NIP)")

	keepAliveCmd := &cobra.Command{
		Use:   "keepalive [session-id]",
		Short: "Keep sessions alive",
		Long:  `With a session id, refreshes that session. Without one, refreshes every session not kept alive within KSEF_KEEPALIVE_AFTER.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 0 {
					report, err := a.Sessions.KeepAliveStale(ctx, rt.cfg.KsefKeepAliveAfter)
					if err != nil {
						return err
					}
					return printJSON(cmd, report)
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				s, err := a.Sessions.KeepAlive(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, viewSession(s))
			})
		},
	}

	terminateCmd := &cobra.Command{
		Use:   "terminate <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Sessions.TerminateSession(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s terminated\n", id)
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List unexpired sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Sessions.List(ctx)
				if err != nil {
					return err
				}
				out := make([]sessionView, 0, len(list))
				for i := range list {
					out = append(out, viewSession(&list[i]))
				}
				return printJSON(cmd, out)
			})
		},
	}

	sessionCmd.AddCommand(initCmd, keepAliveCmd, terminateCmd, listCmd)
	return sessionCmd
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}
