package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gatewayd/internal/infra/config"
)

func validateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				var ve *config.ValidationError
				if errors.As(err, &ve) {
					fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
					return fmt.Errorf("%s: invalid configuration", *cfgPath)
				}
				return err
			}
			intents, _ := config.ParseIntents(cfg.Gateway.Intents)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", *cfgPath)
			fmt.Fprintf(out, "  gateway:  %s (v%d, intents %d)\n", cfg.Gateway.URL, cfg.Gateway.Version, intents)
			fmt.Fprintf(out, "  shard:    %d/%d\n", cfg.Gateway.ShardID, cfg.Gateway.ShardCount)
			fmt.Fprintf(out, "  rest:     %s\n", cfg.REST.BaseURL)
			fmt.Fprintf(out, "  store:    %v\n", cfg.Store.Enabled)
			fmt.Fprintf(out, "  presence: %d rotation(s)\n", len(cfg.Presence.Rotations))
			if cfg.Gateway.Token == "" {
				fmt.Fprintln(out, "  warning:  gateway.token is empty")
			}
			return nil
		},
	}
}

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a secret for use as an enc: config value",
		Long: `Encrypt a secret with the passphrase in GATEWAYD_CONFIG_KEY. The value is
read from the argument, or from the first line of stdin when omitted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("GATEWAYD_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("GATEWAYD_CONFIG_KEY is not set")
			}
			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("nothing to encrypt")
			}
			enc, err := config.EncryptValue(value, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}
