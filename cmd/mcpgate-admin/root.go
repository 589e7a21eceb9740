// ABOUTME: Root command for mcpgate-admin and shared store/config resolution
// ABOUTME: Subcommands operate directly on the gateway's SQLite database

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/assessor-labs/mcpgate/internal/config"
	"github.com/assessor-labs/mcpgate/internal/store"
)

var version = "dev"

var rootFlags struct {
	configPath string
	dbPath     string
}

var rootCmd = &cobra.Command{
	Use:   "mcpgate-admin",
	Short: "Administer mcpgate API keys and inspect audit trails",
	Long: `mcpgate-admin manages the credential store of an mcpgate gateway and
reads its audit and security logs.

It opens the gateway's SQLite database directly, so run it on the host
where the gateway stores its data.

Examples:
  mcpgate-admin create --owner appraiser-7 --scope READ_WRITE --ttl 720h
  mcpgate-admin list
  mcpgate-admin revoke 3f9c2a1b0d4e5f60
  mcpgate-admin audit --status rejected --limit 20
  mcpgate-admin security-events --category sql_injection`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "", "gateway config file (default $MCPGATE_CONFIG or XDG config dir)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.dbPath, "db", "", "SQLite database path (overrides the config file)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
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

// target is the database a command operates on, plus the bcrypt cost
// new keys should be hashed with.
type target struct {
	dbPath     string
	bcryptCost int
}

func resolveTarget() (target, error) {
	if rootFlags.dbPath != "" {
		return target{dbPath: rootFlags.dbPath}, nil
	}

	path := rootFlags.configPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return target{}, fmt.Errorf("loading config (use --db to bypass): %w", err)
	}
	return target{dbPath: cfg.Database.Path, bcryptCost: cfg.Auth.BcryptCost}, nil
}

func openStore() (*store.SQLiteStore, target, error) {
	t, err := resolveTarget()
	if err != nil {
		return nil, target{}, err
	}
	s, err := store.NewSQLiteStore(t.dbPath)
	if err != nil {
		return nil, target{}, fmt.Errorf("opening database: %w", err)
	}
	return s, t, nil
}
