// ABOUTME: Read-only views over the audit trail and security event log
// ABOUTME: Output is a fixed-width table or JSON lines with --json

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/assessor-labs/mcpgate/internal/store"
)

var auditFlags struct {
	identity string
	tool     string
	status   string
	since    time.Duration
	limit    int
	json     bool
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit records",
	Long: `Show audit records, newest first. Parameters are stored already
redacted, so sensitive values never appear here.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

var securityFlags struct {
	category  string
	identity  string
	requestID string
	since     time.Duration
	limit     int
	json      bool
}

var securityCmd = &cobra.Command{
	Use:     "security-events",
	Aliases: []string{"security"},
	Short:   "Show recent security events",
	Long:    `Show detected injection attempts and rate-limit abuse, newest first.`,
	Args:    cobra.NoArgs,
	RunE:    runSecurityEvents,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(securityCmd)

	auditCmd.Flags().StringVar(&auditFlags.identity, "identity", "", "only records for this identity")
	auditCmd.Flags().StringVar(&auditFlags.tool, "tool", "", "only records for this tool")
	auditCmd.Flags().StringVar(&auditFlags.status, "status", "", "only records with status starting, success, error, or rejected")
	auditCmd.Flags().DurationVar(&auditFlags.since, "since", 0, "only records newer than this, e.g. 24h")
	auditCmd.Flags().IntVarP(&auditFlags.limit, "limit", "n", 100, "maximum records (max 1000)")
	auditCmd.Flags().BoolVar(&auditFlags.json, "json", false, "print JSON lines")

	securityCmd.Flags().StringVar(&securityFlags.category, "category", "", "only events in this category")
	securityCmd.Flags().StringVar(&securityFlags.identity, "identity", "", "only events for this identity")
	securityCmd.Flags().StringVar(&securityFlags.requestID, "request-id", "", "only events for this request")
	securityCmd.Flags().DurationVar(&securityFlags.since, "since", 0, "only events newer than this, e.g. 24h")
	securityCmd.Flags().IntVarP(&securityFlags.limit, "limit", "n", 100, "maximum events (max 1000)")
	securityCmd.Flags().BoolVar(&securityFlags.json, "json", false, "print JSON lines")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sinceTime(d time.Duration) *time.Time {
	if d <= 0 {
		return nil
	}
	t := time.Now().Add(-d)
	return &t
}

func parseAuditStatus(s string) (*store.AuditStatus, error) {
	if s == "" {
		return nil, nil
	}
	st := store.AuditStatus(s)
	switch st {
	case store.AuditStarting, store.AuditSuccess, store.AuditError, store.AuditRejected:
		return &st, nil
	}
	return nil, fmt.Errorf("unknown audit status %q", s)
}

func runAudit(cmd *cobra.Command, args []string) error {
	status, err := parseAuditStatus(auditFlags.status)
	if err != nil {
		return err
	}

	s, _, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.ListAuditRecords(cmd.Context(), store.AuditFilter{
		Since:    sinceTime(auditFlags.since),
		Identity: optional(auditFlags.identity),
		ToolName: optional(auditFlags.tool),
		Status:   status,
		Limit:    auditFlags.limit,
	})
	if err != nil {
		return err
	}

	if auditFlags.json {
		return writeAuditJSON(cmd.OutOrStdout(), recs)
	}
	printAudit(cmd.OutOrStdout(), recs)
	return nil
}

type auditLine struct {
	RequestID   string         `json:"requestId"`
	Identity    string         `json:"identity"`
	ToolName    string         `json:"toolName"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      string         `json:"status"`
	HTTPStatus  int            `json:"httpStatus,omitempty"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	ErrorDetail string         `json:"errorDetail,omitempty"`
}

func writeAuditJSON(w io.Writer, recs []store.AuditRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(auditLine{
			RequestID:   r.RequestID,
			Identity:    r.Identity,
			ToolName:    r.ToolName,
			Parameters:  r.Parameters,
			Status:      string(r.Status),
			HTTPStatus:  r.HTTPStatus,
			StartTime:   r.StartTime,
			EndTime:     r.EndTime,
			ErrorDetail: r.ErrorDetail,
		}); err != nil {
			return err
		}
	}
	return nil
}

func printAudit(w io.Writer, recs []store.AuditRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No audit records found.")
		return
	}

	fmt.Fprintf(w, "%-19s  %-36s  %-16s  %-20s  %-9s  %-4s  %s\n", "STARTED", "REQUEST ID", "IDENTITY", "TOOL", "STATUS", "HTTP", "DURATION")
	for _, r := range recs {
		dur := "-"
		if r.EndTime != nil {
			dur = r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String()
		}
		httpStatus := "-"
		if r.HTTPStatus != 0 {
			httpStatus = fmt.Sprintf("%d", r.HTTPStatus)
		}
		fmt.Fprintf(w, "%-19s  %-36s  %-16s  %-20s  %-9s  %-4s  %s\n",
			r.StartTime.Local().Format("2006-01-02 15:04:05"),
			r.RequestID, r.Identity, r.ToolName, r.Status, httpStatus, dur)
	}
}

func runSecurityEvents(cmd *cobra.Command, args []string) error {
	s, _, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := s.ListSecurityEvents(cmd.Context(), store.SecurityEventFilter{
		Since:     sinceTime(securityFlags.since),
		Category:  optional(securityFlags.category),
		Identity:  optional(securityFlags.identity),
		RequestID: optional(securityFlags.requestID),
		Limit:     securityFlags.limit,
	})
	if err != nil {
		return err
	}

	if securityFlags.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, ev := range events {
			if err := enc.Encode(map[string]any{
				"eventId":   ev.ID,
				"requestId": ev.RequestID,
				"category":  ev.Category,
				"identity":  ev.Identity,
				"detail":    ev.Detail,
				"timestamp": ev.Timestamp,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	printSecurityEvents(cmd.OutOrStdout(), events)
	return nil
}

func printSecurityEvents(w io.Writer, events []store.SecurityEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No security events found.")
		return
	}

	fmt.Fprintf(w, "%-19s  %-20s  %-16s  %-36s  %s\n", "TIME", "CATEGORY", "IDENTITY", "REQUEST ID", "DETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%-19s  %-20s  %-16s  %-36s  %s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Category, ev.Identity, ev.RequestID, ev.Detail)
	}
}
