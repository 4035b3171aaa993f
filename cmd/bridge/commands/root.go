// Package commands holds the bridge CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command. Running it without a subcommand
// starts the server.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Multi-tenant WhatsApp AI bridge",
		Long: `bridge keeps one WhatsApp connection per tenant, answers inbound
messages with the reply generator and exposes a control API for the panel.

Examples:
  bridge
  bridge serve --port 3335
  bridge serve --env-file /etc/bridge.env`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String("port", "", "HTTP port, overrides PORT_BOT")

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(version),
	)
	return rootCmd
}
