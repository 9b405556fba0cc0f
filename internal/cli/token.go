package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/pkg/token"
)

// openTokenStores builds the manager and ledger the same way the daemon
// does, so tokens minted here are honored by a daemon using the same
// config.
func openTokenStores(cfg *config.Config) (*token.Manager, *token.Ledger, error) {
	revoked, err := token.NewRevocationStore(filepath.Join(cfg.DataDir, "revoked.json"))
	if err != nil {
		return nil, nil, err
	}
	manager, err := token.NewManager(
		cfg.Gateway.TokenSecret,
		time.Duration(cfg.Gateway.TokenTTLDays)*24*time.Hour,
		revoked,
	)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := token.NewLedger(filepath.Join(cfg.DataDir, "tokens.json"))
	if err != nil {
		return nil, nil, err
	}
	return manager, ledger, nil
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage auth tokens",
	}
	cmd.AddCommand(newTokenNewCommand())
	cmd.AddCommand(newTokenListCommand())
	cmd.AddCommand(newTokenRevokeCommand())
	return cmd
}

func newTokenNewCommand() *cobra.Command {
	var (
		subject string
		scopes  []string
	)

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Mint a new token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			manager, ledger, err := openTokenStores(cfg)
			if err != nil {
				return err
			}

			tok, id, err := manager.Issue(subject, scopes)
			if err != nil {
				return err
			}
			if err := ledger.Record(token.IssuedRecord{
				ID:        id,
				Subject:   subject,
				Scopes:    scopes,
				IssuedAt:  time.Now(),
				ExpiresAt: time.Now().Add(manager.TTL()),
			}); err != nil {
				return err
			}

			cmd.Printf("id:    %s\n", id)
			cmd.Printf("token: %s\n", tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "who the token is for")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "granted scopes (read, chat, connector, admin)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("scopes")

	return cmd
}

func newTokenListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List issued tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			_, ledger, err := openTokenStores(cfg)
			if err != nil {
				return err
			}

			records := ledger.List()
			if len(records) == 0 {
				cmd.Println("no tokens issued")
				return nil
			}
			for _, rec := range records {
				status := "active"
				if rec.Revoked {
					status = "revoked"
				} else if time.Now().After(rec.ExpiresAt) {
					status = "expired"
				}
				cmd.Printf("%s  %-10s %-8s scopes=%v expires=%s\n",
					rec.ID, rec.Subject, status, rec.Scopes, rec.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newTokenRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			manager, ledger, err := openTokenStores(cfg)
			if err != nil {
				return err
			}

			if err := manager.Revoke(args[0]); err != nil {
				return err
			}
			if err := ledger.MarkRevoked(args[0]); err != nil {
				return err
			}
			cmd.Printf("revoked %s\n", args[0])
			return nil
		},
	}
}
