// ABOUTME: Security event persistence for detected attacks and rate limit abuse
// ABOUTME: At most one event per request and category is stored

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendSecurityEvent stores a security event. Generates ID and Timestamp if not set.
// Returns ErrDuplicate if an event with the same request ID and category exists.
func (s *SQLiteStore) AppendSecurityEvent(ctx context.Context, ev *SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (event_id, request_id, category, identity, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.RequestID, ev.Category, ev.Identity, ev.Detail, formatTime(ev.Timestamp))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting security event: %w", err)
	}

	s.logger.Debug("appended security event", "request_id", ev.RequestID, "category", ev.Category)
	return nil
}

const securityEventsQuery = `
	SELECT event_id, request_id, category, identity, detail, ts
	FROM security_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR category = ?)
	  AND (? IS NULL OR identity = ?)
	  AND (? IS NULL OR request_id = ?)
	ORDER BY ts DESC, event_id
	LIMIT ?
`

// ListSecurityEvents returns security events matching the filter, newest first.
func (s *SQLiteStore) ListSecurityEvents(ctx context.Context, f SecurityEventFilter) ([]SecurityEvent, error) {
	var since *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}

	rows, err := s.db.QueryContext(ctx, securityEventsQuery,
		since, since,
		f.Category, f.Category,
		f.Identity, f.Identity,
		f.RequestID, f.RequestID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []SecurityEvent{}
	for rows.Next() {
		var ev SecurityEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Category, &ev.Identity, &ev.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}
	return events, nil
}
