package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Persistent gateway session and rate-limited REST client",
		Long: `gatewayd keeps one gateway session alive (identify, resume, heartbeat,
reconnect) and forwards dispatch events in order, next to a REST executor
that honors per-route and global rate limits.

Configuration is read from a YAML file; GATEWAYD_* environment variables
override it and GATEWAYD_CONFIG_KEY decrypts "enc:" secrets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "config file path")

	root.AddCommand(
		runCmd(&cfgPath),
		apiCmd(&cfgPath),
		validateCmd(&cfgPath),
		encryptCmd(),
		versionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("GATEWAYD_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
