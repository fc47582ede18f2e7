// Command eventbot runs the chat event bot: a webhook server that executes
// commands posted by the chat bridge and keeps subscriptions in step with
// reactions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-event-bot/internal/config"
	"github.com/tbourn/go-event-bot/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = ""

func buildVersion() string {
	return sysutil.FirstNonEmpty(version, os.Getenv("EVENTBOT_VERSION"), "dev")
}

var configFile string

var rootCmd = &cobra.Command{
	Use:           "eventbot",
	Short:         "Chat event bot: events, subscriptions, notifications and topic spins",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --config wins over an EVENTBOT_CONFIG already in the environment.
		if configFile != "" {
			return os.Setenv(config.FileEnv, configFile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file (default $EVENTBOT_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
