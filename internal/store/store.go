// ABOUTME: Store interfaces and data types for mcpgate persistence
// ABOUTME: Defines credentials, audit rows, security events, and assessment records

package store

import (
	"context"
	"errors"
	"time"

	"github.com/assessor-labs/mcpgate/internal/scope"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting an entity whose key already exists
var ErrDuplicate = errors.New("already exists")

// ErrAlreadyFinalized is returned when finalizing an audit record that is no longer starting
var ErrAlreadyFinalized = errors.New("audit record already finalized")

// APIKey is a long-lived credential. Only Revoked/RevokedAt ever change after creation.
type APIKey struct {
	ID          string
	OwnerID     string
	Label       string
	Scope       scope.Scope
	IPAllowList []string // CIDR prefixes; empty means unrestricted
	SecretHash  []byte   // bcrypt hash of the secret half of the key
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	Revoked     bool
	RevokedAt   *time.Time
}

// AuditStatus is the lifecycle status of an audit record.
type AuditStatus string

const (
	AuditStarting AuditStatus = "starting"
	AuditSuccess  AuditStatus = "success"
	AuditError    AuditStatus = "error"
	AuditRejected AuditStatus = "rejected"
)

// AuditRecord is the persisted form of one request's audit trail.
type AuditRecord struct {
	RequestID   string
	Identity    string
	ToolName    string
	Parameters  map[string]any // already redacted
	Status      AuditStatus
	HTTPStatus  int
	StartTime   time.Time
	EndTime     *time.Time
	ErrorDetail string
}

// AuditFilter specifies filtering options for listing audit records.
type AuditFilter struct {
	Since    *time.Time
	Until    *time.Time
	Identity *string
	ToolName *string
	Status   *AuditStatus
	Limit    int // max results (default 100, max 1000)
}

// SecurityEvent is the persisted form of an adversarial-input or abuse detection.
type SecurityEvent struct {
	ID        string
	RequestID string
	Category  string
	Identity  string
	Detail    string
	Timestamp time.Time
}

// SecurityEventFilter specifies filtering options for listing security events.
type SecurityEventFilter struct {
	Since     *time.Time
	Category  *string
	Identity  *string
	RequestID *string
	Limit     int
}

// Property is an assessed parcel.
type Property struct {
	ParcelID            string
	Address             string
	Neighborhood        string
	PropertyClass       string
	AssessedValue       float64
	LandValue           float64
	ImprovementValue    float64
	YearBuilt           int
	OwnerName           string
	OwnerMailingAddress string
	OwnerTaxID          string
	UpdatedAt           time.Time
}

// PropertyQuery filters SearchProperties.
type PropertyQuery struct {
	AddressContains string
	Neighborhood    string
	MinValue        *float64
	MaxValue        *float64
	Limit           int
}

// AssessmentChange records one change to a parcel's assessed value.
type AssessmentChange struct {
	ID            string
	ParcelID      string
	PreviousValue float64
	NewValue      float64
	Reason        string
	ChangedBy     string
	ChangedAt     time.Time
}

// AppealStatus is the review state of an appeal.
type AppealStatus string

const (
	AppealPending     AppealStatus = "pending"
	AppealUnderReview AppealStatus = "under_review"
	AppealApproved    AppealStatus = "approved"
	AppealDenied      AppealStatus = "denied"
	AppealWithdrawn   AppealStatus = "withdrawn"
)

// Appeal is a property owner's challenge to an assessed value.
type Appeal struct {
	ID             string
	ParcelID       string
	FiledBy        string
	RequestedValue float64
	Reason         string
	Status         AppealStatus
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppealFilter filters ListAppeals.
type AppealFilter struct {
	ParcelID *string
	Status   *AppealStatus
	Limit    int
}

// CredentialStore holds API keys.
type CredentialStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// AuditStore is the durable sink for audit records and security events.
type AuditStore interface {
	InsertAuditRecord(ctx context.Context, rec *AuditRecord) error
	FinalizeAuditRecord(ctx context.Context, rec *AuditRecord) error
	ListAuditRecords(ctx context.Context, f AuditFilter) ([]AuditRecord, error)
	AppendSecurityEvent(ctx context.Context, ev *SecurityEvent) error
	ListSecurityEvents(ctx context.Context, f SecurityEventFilter) ([]SecurityEvent, error)
}

// AssessmentStore is the property/appeal domain storage consumed by tool handlers.
type AssessmentStore interface {
	UpsertProperty(ctx context.Context, p *Property) error
	GetProperty(ctx context.Context, parcelID string) (*Property, error)
	SearchProperties(ctx context.Context, q PropertyQuery) ([]*Property, error)
	UpdateAssessedValue(ctx context.Context, parcelID string, value float64, reason, changedBy string) (*AssessmentChange, error)
	ListAssessmentHistory(ctx context.Context, parcelID string, limit int) ([]*AssessmentChange, error)
	CreateAppeal(ctx context.Context, a *Appeal) error
	GetAppeal(ctx context.Context, id string) (*Appeal, error)
	ListAppeals(ctx context.Context, f AppealFilter) ([]*Appeal, error)
	UpdateAppealStatus(ctx context.Context, id string, status AppealStatus, notes string) (*Appeal, error)
}

// Compile-time interface checks
var (
	_ CredentialStore = (*SQLiteStore)(nil)
	_ AuditStore      = (*SQLiteStore)(nil)
	_ AssessmentStore = (*SQLiteStore)(nil)
)
