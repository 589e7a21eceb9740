// ABOUTME: API key subcommands: create, list, and revoke
// ABOUTME: The full key is printed once at creation; only its bcrypt hash is stored

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/assessor-labs/mcpgate/internal/auth"
	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/store"
)

var createFlags struct {
	owner   string
	label   string
	scope   string
	ttl     time.Duration
	allowIP []string
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	Long: `Issue a new API key for an owner with the given scope.

The key is printed once. Only a bcrypt hash of its secret is stored, so a
lost key must be revoked and reissued.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var listFlags struct {
	all bool
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	Long:  `List API keys, newest first. Revoked and expired keys are hidden unless --all is given.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Long: `Revoke an API key by its ID. The key stops authenticating immediately;
bearer tokens minted from it are rejected while revocation checking is on.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevoke,
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(revokeCmd)

	createCmd.Flags().StringVarP(&createFlags.owner, "owner", "o", "", "owner identity recorded on the key (required)")
	createCmd.Flags().StringVarP(&createFlags.label, "label", "l", "", "human-readable label")
	createCmd.Flags().StringVarP(&createFlags.scope, "scope", "s", "READ_ONLY", "key scope: READ_ONLY, READ_WRITE, or ADMIN")
	createCmd.Flags().DurationVar(&createFlags.ttl, "ttl", 0, "key lifetime, e.g. 720h (0 never expires)")
	createCmd.Flags().StringSliceVar(&createFlags.allowIP, "allow-ip", nil, "allowed source address or CIDR (repeatable)")
	_ = createCmd.MarkFlagRequired("owner")

	listCmd.Flags().BoolVarP(&listFlags.all, "all", "a", false, "include revoked and expired keys")
}

func runCreate(cmd *cobra.Command, args []string) error {
	sc, err := scope.Parse(createFlags.scope)
	if err != nil {
		return err
	}
	if createFlags.ttl < 0 {
		return fmt.Errorf("--ttl must not be negative")
	}

	s, t, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	display, key, err := auth.IssueAPIKey(cmd.Context(), s, auth.IssueRequest{
		OwnerID:     strings.TrimSpace(createFlags.owner),
		Label:       createFlags.label,
		Scope:       sc,
		IPAllowList: createFlags.allowIP,
		TTL:         createFlags.ttl,
		BcryptCost:  t.bcryptCost,
	})
	if err != nil {
		return err
	}

	printIssuedKey(cmd.OutOrStdout(), display, key)
	return nil
}

func printIssuedKey(w io.Writer, display string, key *store.APIKey) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Fprintf(w, "✓ Issued %s key %s for %s\n", key.Scope, key.ID, key.OwnerID)
	if key.ExpiresAt != nil {
		fmt.Fprintf(w, "  expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	if len(key.IPAllowList) > 0 {
		fmt.Fprintf(w, "  allowed: %s\n", strings.Join(key.IPAllowList, ", "))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s\n", display)
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Store this key now. It will not be shown again.")
}

func runList(cmd *cobra.Command, args []string) error {
	s, _, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	keys, err := s.ListAPIKeys(cmd.Context())
	if err != nil {
		return err
	}
	printKeys(cmd.OutOrStdout(), keys, listFlags.all, time.Now())
	return nil
}

func keyState(k *store.APIKey, now time.Time) string {
	switch {
	case k.Revoked:
		return "revoked"
	case k.ExpiresAt != nil && !now.Before(*k.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

func printKeys(w io.Writer, keys []*store.APIKey, all bool, now time.Time) {
	shown := 0
	for _, k := range keys {
		if all || keyState(k, now) == "active" {
			shown++
		}
	}
	if shown == 0 {
		fmt.Fprintln(w, "No API keys found.")
		return
	}

	fmt.Fprintf(w, "%-16s  %-16s  %-10s  %-8s  %-19s  %s\n", "KEY ID", "OWNER", "SCOPE", "STATE", "EXPIRES", "LABEL")
	for _, k := range keys {
		state := keyState(k, now)
		if !all && state != "active" {
			continue
		}
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Local().Format("2006-01-02 15:04:05")
		}
		label := k.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%-16s  %-16s  %-10s  %-8s  %-19s  %s\n", k.ID, k.OwnerID, k.Scope, state, expires, label)
	}
}

func runRevoke(cmd *cobra.Command, args []string) error {
	s, _, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := revokeKey(cmd.Context(), s, args[0]); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Revoked key %s\n", args[0])
	return nil
}

func revokeKey(ctx context.Context, s *store.SQLiteStore, keyID string) error {
	keyID = strings.TrimSpace(keyID)
	if id, _, err := auth.ParseAPIKey(keyID); err == nil {
		// Accept a full key pasted by mistake, but only act on its ID.
		keyID = id
	}
	if err := s.RevokeAPIKey(ctx, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("api key %s not found", keyID)
		}
		return err
	}
	return nil
}
