package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/daemon"
	"github.com/quillhq/quill/internal/logger"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quill daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, err := logger.New(logger.Config{
				Level:   cfg.Logging.Level,
				File:    cfg.Logging.File,
				Console: cfg.Logging.Console,
				Pretty:  cfg.Logging.Pretty,
			})
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg, log)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
}
