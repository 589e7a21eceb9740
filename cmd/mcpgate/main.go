// ABOUTME: Entry point for the mcpgate tool gateway server
// ABOUTME: Dispatches serve, init, bootstrap, and health subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/assessor-labs/mcpgate/internal/config"
	"github.com/assessor-labs/mcpgate/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                        _
  _ __ ___   ___ _ __   __ _  __ _| |_ ___
 | '_ ' _ \ / __| '_ \ / _' |/ _' | __/ _ \
 | | | | | | (__| |_) | (_| | (_| | ||  __/
 |_| |_| |_|\___| .__/ \__, |\__,_|\__\___|
                |_|    |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: MCPGATE_CONFIG env var > XDG_CONFIG_HOME/mcpgate/gateway.yaml > ~/.config/mcpgate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCPGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcpgate", "gateway.yaml")
}

// getDataPath returns the mcpgate data directory.
// Priority: XDG_DATA_HOME/mcpgate > ~/.local/share/mcpgate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcpgate")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcpgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the gateway server")
		fmt.Println("  init                     Create a new config file interactively")
		fmt.Println("  bootstrap --owner NAME   Create the config (if missing) and a first ADMIN key")
		fmt.Println("  health [--ready]         Check gateway liveness or readiness")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bannerRow is one "label: value" line in the startup banner; empty values are skipped.
type bannerRow struct {
	label, value string
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	rows := []bannerRow{
		{"Config", configPath},
		{"HTTP", cfg.Server.HTTPAddr},
		{"Health", grpcLabel(cfg.Server.GRPCAddr)},
		{"Database", cfg.Database.Path},
		{"Limits", fmt.Sprintf("%d req / %s per identity", cfg.RateLimit.Requests, cfg.RateLimit.Window)},
		{"Audit", cfg.Audit.FilePath},
	}
	if cfg.Metrics.Enabled {
		rows = append(rows, bannerRow{"Metrics", cfg.Metrics.Path})
	}
	if cfg.Tailscale.Enabled {
		rows = append(rows, bannerRow{"Tailscale", tailnetLabel(cfg.Tailscale)})
	}
	for _, r := range rows {
		if r.value == "" {
			continue
		}
		color.New(color.FgGreen).Print("    ▶ ")
		fmt.Printf("%-10s %s\n", r.label+":", r.value)
	}
	if !cfg.Auth.RevocationCheckEnabled() {
		color.New(color.FgYellow).Println("    ! bearer tokens stay valid after key revocation until they expire")
	}
	fmt.Println()

	logger.Info("starting mcpgate",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func grpcLabel(addr string) string {
	if addr == "" {
		return ""
	}
	return addr + " (gRPC)"
}

// tailnetLabel renders the tailnet hostname with its funnel and ephemeral flags.
func tailnetLabel(ts config.TailscaleConfig) string {
	label := ts.Hostname
	if ts.Funnel {
		label += color.YellowString(" [funnel]")
	}
	if ts.Ephemeral {
		label += color.HiBlackString(" (ephemeral)")
	}
	return label
}

func runHealth(ctx context.Context, args []string) error {
	path := "/health"
	for _, arg := range args {
		switch arg {
		case "--ready", "-r":
			path = "/health/ready"
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}
