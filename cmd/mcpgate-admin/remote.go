// ABOUTME: Commands that talk to a running gateway over HTTP: tools and call
// ABOUTME: Useful for checking what a key can see and do before handing it out

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/assessor-labs/mcpgate/internal/client"
)

type clientConfig struct {
	apiKey string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiKey, "api-key", os.Getenv("MCPGATE_API_KEY"), "API key for authentication")
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", envOr("MCPGATE_URL", "http://localhost:8080"), "gateway base URL")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or MCPGATE_URL env var)")
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key flag or MCPGATE_API_KEY env var)")
	}
	return client.New(cfg.apiURL, cfg.apiKey), nil
}

var toolsFlags struct {
	clientConfig
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools an API key can invoke",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

var callFlags struct {
	clientConfig
	params string
}

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke a tool through the gateway",
	Long: `Invoke a tool through the gateway and print its JSON result.

Parameters are passed as a JSON object:
  mcpgate-admin call getProperty --params '{"parcelId":"P-100"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)

	addClientFlags(toolsCmd, &toolsFlags.clientConfig)
	addClientFlags(callCmd, &callFlags.clientConfig)
	callCmd.Flags().StringVarP(&callFlags.params, "params", "p", "{}", "tool parameters as a JSON object")
}

func runTools(cmd *cobra.Command, args []string) error {
	c, err := toolsFlags.newClient()
	if err != nil {
		return err
	}

	tools, err := c.ListTools(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(tools) == 0 {
		fmt.Fprintln(w, "No tools available for this key.")
		return nil
	}
	fmt.Fprintf(w, "%-22s  %-10s  %s\n", "TOOL", "SCOPE", "DESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%-22s  %-10s  %s\n", t.Name, t.RequiredPermission, t.Description)
	}
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	params, err := parseParams(callFlags.params)
	if err != nil {
		return err
	}

	c, err := callFlags.newClient()
	if err != nil {
		return err
	}

	exec, err := c.Execute(cmd.Context(), args[0], params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(exec)
}

func parseParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	if params == nil {
		return nil, fmt.Errorf("--params must be a JSON object")
	}
	return params, nil
}
