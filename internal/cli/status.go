package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/config"
)

func newStatusCommand() *cobra.Command {
	var adminToken string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			base := fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
			client := &http.Client{Timeout: 5 * time.Second}

			resp, err := client.Get(base + "/healthz")
			if err != nil {
				cmd.Printf("daemon: not running (%v)\n", err)
				return nil
			}
			resp.Body.Close()
			cmd.Printf("daemon: running at %s\n", base)

			if adminToken == "" {
				return nil
			}

			req, err := http.NewRequest(http.MethodGet, base+"/connectors", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+adminToken)

			resp, err = client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("connector listing failed: %s", string(body))
			}

			var listed struct {
				Connectors []struct {
					Name         string   `json:"name"`
					Capabilities []string `json:"capabilities"`
				} `json:"connectors"`
			}
			if err := json.Unmarshal(body, &listed); err != nil {
				return err
			}

			if len(listed.Connectors) == 0 {
				cmd.Println("connectors: none")
				return nil
			}
			for _, c := range listed.Connectors {
				cmd.Printf("connector: %s capabilities=%v\n", c.Name, c.Capabilities)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&adminToken, "token", "", "admin token for connector listing")

	return cmd
}
