package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/logger"
	"github.com/quillhq/quill/pkg/connector"
)

func newConnectCommand() *cobra.Command {
	var (
		url       string
		tokenStr  string
		name      string
		reconnect bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run a remote connector agent exposing the shell capability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, err := logger.New(logger.Config{
				Level:   cfg.Logging.Level,
				Console: true,
				Pretty:  cfg.Logging.Pretty,
			})
			if err != nil {
				return err
			}

			if url == "" {
				url = fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
			}
			if name == "" {
				name, _ = os.Hostname()
			}

			auditPath := cfg.Connector.AuditFile
			if auditPath == "" {
				auditPath = filepath.Join(cfg.DataDir, "shell-audit.jsonl")
			}

			hostname, _ := os.Hostname()
			client, err := connector.NewClient(connector.ClientOptions{
				URL:   url,
				Token: tokenStr,
				Name:  name,
				Capabilities: map[string]connector.Handler{
					"shell": connector.ShellCapability(auditPath),
				},
				Metadata: map[string]string{
					"hostname": hostname,
				},
				Reconnect: reconnect,
				Logger:    log,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			log.Info().Str("name", name).Str("url", url).Msg("Connector running, press Ctrl-C to stop")

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)

			select {
			case <-cmd.Context().Done():
			case <-sigs:
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "daemon websocket url (default from config)")
	cmd.Flags().StringVar(&tokenStr, "token", "", "auth token with connector scope")
	cmd.Flags().StringVar(&name, "name", "", "connector name (default hostname)")
	cmd.Flags().BoolVar(&reconnect, "reconnect", true, "reconnect automatically with backoff")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}
