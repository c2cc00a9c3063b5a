package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"gatewayd/internal/adapter/rest"
	"gatewayd/internal/infra/config"
)

func apiCmd(cfgPath *string) *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:   "api METHOD PATH",
		Short: "Make one rate-limited REST call and print the response body",
		Example: `  gatewayd api GET /users/@me
  gatewayd api POST /channels/123/messages --body '{"content":"hi"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			method := strings.ToUpper(args[0])
			switch method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				return fmt.Errorf("unsupported method %q", args[0])
			}

			var payload any
			if body != "" {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(body), &raw); err != nil {
					return fmt.Errorf("--body is not valid JSON: %w", err)
				}
				payload = raw
			}

			client := rest.NewClient(rest.OptionsFromConfig(cfg.REST, cfg.Gateway.TokenType, cfg.Gateway.Token))
			resp, err := client.Do(cmd.Context(), method, args[1], payload)
			if err != nil {
				return err
			}
			return printBody(cmd, resp)
		},
	}
	cmd.Flags().StringVarP(&body, "body", "d", "", "JSON request body")
	return cmd
}

func printBody(cmd *cobra.Command, resp *rest.Response) error {
	out := cmd.OutOrStdout()
	if len(resp.Body) == 0 {
		fmt.Fprintf(out, "%d\n", resp.Status)
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Body, "", "  "); err != nil {
		_, err = out.Write(resp.Body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}
