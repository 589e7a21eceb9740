// ABOUTME: First-run setup: interactive config generation and the bootstrap ADMIN key
// ABOUTME: Bootstrap refuses to run once any API key exists

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/assessor-labs/mcpgate/internal/auth"
	"github.com/assessor-labs/mcpgate/internal/config"
	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/store"
)

// ErrAlreadyBootstrapped is returned when bootstrap finds existing API keys.
var ErrAlreadyBootstrapped = errors.New("bootstrap already complete")

// configOptions are the values written into a generated config file.
type configOptions struct {
	HTTPAddr       string
	GRPCAddr       string
	DBPath         string
	AuditFile      string
	JWTSecret      string
	Tailscale      bool
	TSHostname     string
	TSAuthKey      string
	TSEphemeral    bool
	TSFunnel       bool
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

func defaultConfigOptions(dataPath string) configOptions {
	return configOptions{
		HTTPAddr:  "localhost:8080",
		GRPCAddr:  "localhost:50051",
		DBPath:    filepath.Join(dataPath, "mcpgate.db"),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// renderConfig produces a YAML config file body.
func renderConfig(o configOptions, generatedBy string) string {
	var b strings.Builder
	b.WriteString("# mcpgate configuration\n")
	fmt.Fprintf(&b, "# Generated by mcpgate %s\n\n", generatedBy)

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", o.HTTPAddr)
	fmt.Fprintf(&b, "  grpc_addr: %q\n", o.GRPCAddr)
	b.WriteString("  trust_proxy_headers: false\n")
	b.WriteString("  trusted_proxies: []\n\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", o.DBPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", o.JWTSecret)
	b.WriteString("  token_ttl: \"1h\"\n")
	b.WriteString("  revocation_check: true\n\n")

	b.WriteString("rate_limit:\n")
	fmt.Fprintf(&b, "  requests: %d\n", config.DefaultRateLimit)
	fmt.Fprintf(&b, "  window: %q\n", config.DefaultRateWindow.String())
	fmt.Fprintf(&b, "  exchange_requests: %d\n\n", config.DefaultExchangeLimit)

	b.WriteString("audit:\n")
	fmt.Fprintf(&b, "  buffer_limit: %d\n", config.DefaultAuditBufferLimit)
	if o.AuditFile != "" {
		fmt.Fprintf(&b, "  file_path: %q\n", o.AuditFile)
	}
	b.WriteString("\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", o.Tailscale)
	if o.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", o.TSHostname)
		if o.TSAuthKey != "" {
			fmt.Fprintf(&b, "  auth_key: %q\n", o.TSAuthKey)
		}
		fmt.Fprintf(&b, "  ephemeral: %t\n", o.TSEphemeral)
		fmt.Fprintf(&b, "  funnel: %t\n", o.TSFunnel)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", o.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", o.LogFormat)

	b.WriteString("metrics:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", o.MetricsEnabled)
	fmt.Fprintf(&b, "  path: %q\n", config.DefaultMetricsPath)
	return b.String()
}

func writeConfig(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the JWT secret.
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// bootstrapResult describes what bootstrap created.
type bootstrapResult struct {
	ConfigCreated bool
	ConfigPath    string
	DBPath        string
	APIKey        string
	KeyID         string
}

// bootstrap ensures a config exists and issues the first ADMIN key.
func bootstrap(ctx context.Context, configPath, dataPath, owner string) (*bootstrapResult, error) {
	res := &bootstrapResult{ConfigPath: configPath}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		opts := defaultConfigOptions(dataPath)
		opts.JWTSecret = secret
		if err := writeConfig(configPath, renderConfig(opts, "bootstrap")); err != nil {
			return nil, err
		}
		res.ConfigCreated = true
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	res.DBPath = cfg.Database.Path

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	existing, err := s.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking api keys: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: %d api key(s) exist", ErrAlreadyBootstrapped, len(existing))
	}

	display, key, err := auth.IssueAPIKey(ctx, s, auth.IssueRequest{
		OwnerID:    owner,
		Label:      "bootstrap",
		Scope:      scope.Admin,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	if err != nil {
		return nil, err
	}
	res.APIKey = display
	res.KeyID = key.ID
	return res, nil
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with a random JWT secret (if none exists)
// 2. Creates the database
// 3. Issues an ADMIN API key for the named owner and prints it once
func runBootstrap(ctx context.Context, args []string) error {
	var owner string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--owner" || arg == "-o":
			if i+1 >= len(args) {
				return fmt.Errorf("--owner requires a value")
			}
			owner = args[i+1]
			i++
		case strings.HasPrefix(arg, "--owner="):
			owner = strings.TrimPrefix(arg, "--owner=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("--owner flag is required")
	}
	if len(owner) > 100 {
		return fmt.Errorf("owner exceeds maximum length of 100 characters")
	}

	res, err := bootstrap(ctx, getConfigPath(), getDataPath(), owner)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if res.ConfigCreated {
		green.Printf("  ✓ Created config: %s\n", res.ConfigPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", res.ConfigPath)
	}
	green.Printf("  ✓ Database: %s\n", res.DBPath)
	green.Printf("  ✓ Issued ADMIN key for %s\n", owner)

	fmt.Println()
	cyan.Println("  API Key (shown once)")
	cyan.Println("  --------------------")
	fmt.Printf("  %s\n", res.APIKey)
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    mcpgate serve                      # start the gateway")
	fmt.Println("    mcpgate-admin create --owner NAME  # issue more keys")
	fmt.Println()
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcpgate configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	opts := defaultConfigOptions(getDataPath())

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	opts.HTTPAddr = prompt(reader, "HTTP address", opts.HTTPAddr)
	opts.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", opts.GRPCAddr)

	fmt.Println("\n--- Storage ---")
	opts.DBPath = prompt(reader, "SQLite database path", opts.DBPath)
	opts.AuditFile = prompt(reader, "Audit JSONL file (empty for database only)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	opts.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if opts.Tailscale {
		opts.TSHostname = prompt(reader, "Tailscale hostname", "mcpgate")
		opts.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		opts.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		opts.TSFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging and Metrics ---")
	opts.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", opts.LogLevel)
	opts.LogFormat = prompt(reader, "Log format (text/json)", opts.LogFormat)
	opts.MetricsEnabled = yes(prompt(reader, "Expose Prometheus metrics?", "no"))

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	opts.JWTSecret = secret

	if err := writeConfig(outputFile, renderConfig(opts, "init")); err != nil {
		return err
	}

	dataDir := filepath.Dir(opts.DBPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext:")
	fmt.Println("  mcpgate bootstrap --owner NAME")
	fmt.Println("  mcpgate serve")
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
