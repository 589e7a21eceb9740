// ABOUTME: Audit record persistence for tool execution requests
// ABOUTME: Each request gets one row that moves from starting to a terminal status exactly once

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InsertAuditRecord writes the starting row for a request.
// Returns ErrDuplicate if a row for the request already exists.
func (s *SQLiteStore) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("audit record request id is required")
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = AuditStarting
	}

	paramsJSON, err := marshalParameters(rec.Parameters)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_records (request_id, identity, tool_name, parameters_json, status, http_status, start_time, end_time, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.Identity,
		rec.ToolName,
		paramsJSON,
		string(rec.Status),
		rec.HTTPStatus,
		formatTime(rec.StartTime),
		formatOptionalTime(rec.EndTime),
		nullableString(rec.ErrorDetail),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting audit record: %w", err)
	}

	s.logger.Debug("inserted audit record", "request_id", rec.RequestID, "tool", rec.ToolName, "status", rec.Status)
	return nil
}

// FinalizeAuditRecord sets the terminal status of a request.
// If the starting row is missing (for example the start write was lost) the full
// record is inserted instead. Returns ErrAlreadyFinalized if the row already has
// a terminal status.
func (s *SQLiteStore) FinalizeAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if rec.Status == AuditStarting || rec.Status == "" {
		return fmt.Errorf("finalize requires a terminal status, got %q", rec.Status)
	}
	if rec.EndTime == nil {
		now := time.Now().UTC()
		rec.EndTime = &now
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = *rec.EndTime
	}

	paramsJSON, err := marshalParameters(rec.Parameters)
	if err != nil {
		return err
	}

	// The starting row keeps its original parameters and start time.
	query := `
		INSERT INTO audit_records (request_id, identity, tool_name, parameters_json, status, http_status, start_time, end_time, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			status = excluded.status,
			http_status = excluded.http_status,
			end_time = excluded.end_time,
			error_detail = excluded.error_detail
		WHERE audit_records.status = 'starting'
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.Identity,
		rec.ToolName,
		paramsJSON,
		string(rec.Status),
		rec.HTTPStatus,
		formatTime(rec.StartTime),
		formatTime(*rec.EndTime),
		nullableString(rec.ErrorDetail),
	)
	if err != nil {
		return fmt.Errorf("finalizing audit record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyFinalized
	}

	s.logger.Debug("finalized audit record", "request_id", rec.RequestID, "status", rec.Status)
	return nil
}

// GetAuditRecord retrieves the audit record for a request ID.
func (s *SQLiteStore) GetAuditRecord(ctx context.Context, requestID string) (*AuditRecord, error) {
	recs, err := s.queryAuditRecords(ctx, `
		SELECT `+auditColumns+` FROM audit_records WHERE request_id = ?
	`, requestID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

const auditColumns = `request_id, identity, tool_name, parameters_json, status, http_status, start_time, end_time, error_detail`

const auditRecordsQuery = `
	SELECT ` + auditColumns + `
	FROM audit_records
	WHERE (? IS NULL OR start_time >= ?)
	  AND (? IS NULL OR start_time <= ?)
	  AND (? IS NULL OR identity = ?)
	  AND (? IS NULL OR tool_name = ?)
	  AND (? IS NULL OR status = ?)
	ORDER BY start_time DESC, request_id
	LIMIT ?
`

// ListAuditRecords returns audit records matching the filter, newest first.
func (s *SQLiteStore) ListAuditRecords(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	var since, until, status *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}
	if f.Until != nil {
		v := formatTime(*f.Until)
		until = &v
	}
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}

	return s.queryAuditRecords(ctx, auditRecordsQuery,
		since, since,
		until, until,
		f.Identity, f.Identity,
		f.ToolName, f.ToolName,
		status, status,
		normalizeLimit(f.Limit),
	)
}

func (s *SQLiteStore) queryAuditRecords(ctx context.Context, query string, args ...any) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recs := []AuditRecord{}
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}
	return recs, nil
}

func scanAuditRecord(scanner interface{ Scan(dest ...any) error }) (AuditRecord, error) {
	var rec AuditRecord
	var status, startTime string
	var paramsJSON, endTime, errorDetail *string

	if err := scanner.Scan(
		&rec.RequestID,
		&rec.Identity,
		&rec.ToolName,
		&paramsJSON,
		&status,
		&rec.HTTPStatus,
		&startTime,
		&endTime,
		&errorDetail,
	); err != nil {
		return rec, fmt.Errorf("scanning audit record: %w", err)
	}

	rec.Status = AuditStatus(status)
	var err error
	if rec.StartTime, err = parseTime(startTime); err != nil {
		return rec, fmt.Errorf("parsing start_time: %w", err)
	}
	if rec.EndTime, err = parseOptionalTime(endTime); err != nil {
		return rec, fmt.Errorf("parsing end_time: %w", err)
	}
	if errorDetail != nil {
		rec.ErrorDetail = *errorDetail
	}
	if paramsJSON != nil {
		if err := json.Unmarshal([]byte(*paramsJSON), &rec.Parameters); err != nil {
			return rec, fmt.Errorf("unmarshaling parameters: %w", err)
		}
	}
	return rec, nil
}

func marshalParameters(params map[string]any) (*string, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit parameters: %w", err)
	}
	str := string(data)
	return &str, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
