// ABOUTME: Property, assessment history, and appeal persistence
// ABOUTME: Backs the property-assessment tools exposed through the gateway

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const propertyColumns = `parcel_id, address, neighborhood, property_class, assessed_value, land_value,
	improvement_value, year_built, owner_name, owner_mailing_address, owner_tax_id, updated_at`

// UpsertProperty inserts or replaces a property record. Sets UpdatedAt to now.
func (s *SQLiteStore) UpsertProperty(ctx context.Context, p *Property) error {
	if p.ParcelID == "" {
		return fmt.Errorf("parcel id is required")
	}
	p.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (`+propertyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parcel_id) DO UPDATE SET
			address = excluded.address,
			neighborhood = excluded.neighborhood,
			property_class = excluded.property_class,
			assessed_value = excluded.assessed_value,
			land_value = excluded.land_value,
			improvement_value = excluded.improvement_value,
			year_built = excluded.year_built,
			owner_name = excluded.owner_name,
			owner_mailing_address = excluded.owner_mailing_address,
			owner_tax_id = excluded.owner_tax_id,
			updated_at = excluded.updated_at
	`,
		p.ParcelID, p.Address, p.Neighborhood, p.PropertyClass,
		p.AssessedValue, p.LandValue, p.ImprovementValue, p.YearBuilt,
		p.OwnerName, p.OwnerMailingAddress, p.OwnerTaxID,
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting property: %w", err)
	}
	return nil
}

// GetProperty retrieves a property by parcel ID.
func (s *SQLiteStore) GetProperty(ctx context.Context, parcelID string) (*Property, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE parcel_id = ?`, parcelID)
	p, err := scanProperty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// SearchProperties returns properties matching every non-empty field of q, ordered by parcel ID.
func (s *SQLiteStore) SearchProperties(ctx context.Context, q PropertyQuery) ([]*Property, error) {
	var address, neighborhood *string
	if q.AddressContains != "" {
		v := "%" + escapeLike(q.AddressContains) + "%"
		address = &v
	}
	if q.Neighborhood != "" {
		neighborhood = &q.Neighborhood
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+propertyColumns+`
		FROM properties
		WHERE (? IS NULL OR address LIKE ? ESCAPE '\')
		  AND (? IS NULL OR neighborhood = ? COLLATE NOCASE)
		  AND (? IS NULL OR assessed_value >= ?)
		  AND (? IS NULL OR assessed_value <= ?)
		ORDER BY parcel_id
		LIMIT ?
	`,
		address, address,
		neighborhood, neighborhood,
		q.MinValue, q.MinValue,
		q.MaxValue, q.MaxValue,
		normalizeLimit(q.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("searching properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	props := []*Property{}
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating properties: %w", err)
	}
	return props, nil
}

// UpdateAssessedValue changes a parcel's assessed value and records the change
// in assessment_history within one transaction.
func (s *SQLiteStore) UpdateAssessedValue(ctx context.Context, parcelID string, value float64, reason, changedBy string) (*AssessmentChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous float64
	err = tx.QueryRowContext(ctx, `SELECT assessed_value FROM properties WHERE parcel_id = ?`, parcelID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading assessed value: %w", err)
	}

	change := &AssessmentChange{
		ID:            uuid.New().String(),
		ParcelID:      parcelID,
		PreviousValue: previous,
		NewValue:      value,
		Reason:        reason,
		ChangedBy:     changedBy,
		ChangedAt:     time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE properties SET assessed_value = ?, updated_at = ? WHERE parcel_id = ?
	`, value, formatTime(change.ChangedAt), parcelID); err != nil {
		return nil, fmt.Errorf("updating assessed value: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO assessment_history (history_id, parcel_id, previous_value, new_value, reason, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, change.ID, parcelID, previous, value, reason, changedBy, formatTime(change.ChangedAt)); err != nil {
		return nil, fmt.Errorf("recording assessment history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing assessment change: %w", err)
	}

	s.logger.Info("updated assessed value", "parcel_id", parcelID, "previous", previous, "new", value, "by", changedBy)
	return change, nil
}

// ListAssessmentHistory returns value changes for a parcel, newest first.
func (s *SQLiteStore) ListAssessmentHistory(ctx context.Context, parcelID string, limit int) ([]*AssessmentChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT history_id, parcel_id, previous_value, new_value, reason, changed_by, changed_at
		FROM assessment_history
		WHERE parcel_id = ?
		ORDER BY changed_at DESC
		LIMIT ?
	`, parcelID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying assessment history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	changes := []*AssessmentChange{}
	for rows.Next() {
		var c AssessmentChange
		var changedAt string
		if err := rows.Scan(&c.ID, &c.ParcelID, &c.PreviousValue, &c.NewValue, &c.Reason, &c.ChangedBy, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning assessment change: %w", err)
		}
		if c.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		changes = append(changes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assessment history: %w", err)
	}
	return changes, nil
}

const appealColumns = `appeal_id, parcel_id, filed_by, requested_value, reason, status, notes, created_at, updated_at`

// CreateAppeal files a new appeal against an existing parcel.
// Generates ID and timestamps; Status defaults to pending.
// Returns ErrNotFound if the parcel does not exist.
func (s *SQLiteStore) CreateAppeal(ctx context.Context, a *Appeal) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = AppealPending
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM properties WHERE parcel_id = ?`, a.ParcelID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking parcel: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO appeals (`+appealColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ParcelID, a.FiledBy, a.RequestedValue, a.Reason, string(a.Status), a.Notes,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting appeal: %w", err)
	}

	s.logger.Info("appeal filed", "appeal_id", a.ID, "parcel_id", a.ParcelID, "by", a.FiledBy)
	return nil
}

// GetAppeal retrieves an appeal by ID.
func (s *SQLiteStore) GetAppeal(ctx context.Context, id string) (*Appeal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appealColumns+` FROM appeals WHERE appeal_id = ?`, id)
	a, err := scanAppeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAppeals returns appeals matching the filter, newest first.
func (s *SQLiteStore) ListAppeals(ctx context.Context, f AppealFilter) ([]*Appeal, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+appealColumns+`
		FROM appeals
		WHERE (? IS NULL OR parcel_id = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY created_at DESC, appeal_id
		LIMIT ?
	`, f.ParcelID, f.ParcelID, status, status, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying appeals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	appeals := []*Appeal{}
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		appeals = append(appeals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating appeals: %w", err)
	}
	return appeals, nil
}

// UpdateAppealStatus moves an appeal to a new status and replaces its notes when
// notes is non-empty.
func (s *SQLiteStore) UpdateAppealStatus(ctx context.Context, id string, status AppealStatus, notes string) (*Appeal, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE appeals
		SET status = ?, notes = CASE WHEN ? = '' THEN notes ELSE ? END, updated_at = ?
		WHERE appeal_id = ?
	`, string(status), notes, notes, formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("updating appeal status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return s.GetAppeal(ctx, id)
}

func scanProperty(scanner interface{ Scan(dest ...any) error }) (*Property, error) {
	var p Property
	var updatedAt string
	if err := scanner.Scan(
		&p.ParcelID, &p.Address, &p.Neighborhood, &p.PropertyClass,
		&p.AssessedValue, &p.LandValue, &p.ImprovementValue, &p.YearBuilt,
		&p.OwnerName, &p.OwnerMailingAddress, &p.OwnerTaxID, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning property: %w", err)
	}
	var err error
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

func scanAppeal(scanner interface{ Scan(dest ...any) error }) (*Appeal, error) {
	var a Appeal
	var status, createdAt, updatedAt string
	if err := scanner.Scan(
		&a.ID, &a.ParcelID, &a.FiledBy, &a.RequestedValue, &a.Reason,
		&status, &a.Notes, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning appeal: %w", err)
	}
	a.Status = AppealStatus(status)
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
