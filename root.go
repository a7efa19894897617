package main

import (
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bollipi",
		Short: "Bol Lipi - voice driven form filling",
		Long: `Bol Lipi fills a fixed personal-details form by talking to the user.

It asks for each field aloud, extracts the answer from the spoken reply and
stores finished forms, optionally encrypted, per device or per account.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json (defaults to $BOLLIPI_CONFIG, then ./config.json)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newHistoryCommand())
	cmd.AddCommand(newExtractCommand())

	return cmd
}
