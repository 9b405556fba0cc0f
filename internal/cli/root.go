// Package cli implements the quill command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill - conversation-brokering daemon",
	Long: `Quill brokers conversations between external channels and a stateful
conversational backend, routes capability calls to remote connector
agents, and fires scheduled background prompts.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $HOME/.quill/quill.json)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newConnectCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newStatusCommand())
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}
