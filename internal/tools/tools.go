// ABOUTME: Property-assessment tool pack: parcel search, value updates, appeals, and audit queries
// ABOUTME: Builds registry definitions whose handlers call only the store accessors

package tools

import (
	"context"
	"log/slog"

	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/store"
	"github.com/assessor-labs/mcpgate/internal/validate"
)

// AuditReader is the read side of the audit store used by the admin tools.
type AuditReader interface {
	ListAuditRecords(ctx context.Context, f store.AuditFilter) ([]store.AuditRecord, error)
	ListSecurityEvents(ctx context.Context, f store.SecurityEventFilter) ([]store.SecurityEvent, error)
}

// Pack holds the dependencies shared by every tool handler.
type Pack struct {
	assessments store.AssessmentStore
	audit       AuditReader
	logger      *slog.Logger
}

// New creates a tool pack.
func New(assessments store.AssessmentStore, audit AuditReader, logger *slog.Logger) *Pack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pack{
		assessments: assessments,
		audit:       audit,
		logger:      logger.With("component", "tools"),
	}
}

var appealStatuses = []string{
	string(store.AppealPending),
	string(store.AppealUnderReview),
	string(store.AppealApproved),
	string(store.AppealDenied),
	string(store.AppealWithdrawn),
}

var auditStatuses = []string{
	string(store.AuditStarting),
	string(store.AuditSuccess),
	string(store.AuditError),
	string(store.AuditRejected),
}

var parcelID = validate.Param{
	Type:        validate.TypeString,
	Description: "Parcel identifier",
	Required:    true,
	MinLength:   1,
	MaxLength:   32,
}

func limitParam(def, maxLimit float64) validate.Param {
	return validate.Param{
		Type:        validate.TypeInteger,
		Description: "Maximum number of results",
		Default:     int64(def),
		Min:         validate.Bound(1),
		Max:         validate.Bound(maxLimit),
	}
}

// Definitions returns the registry entries for every tool in the pack.
func (p *Pack) Definitions() []registry.ToolDefinition {
	return []registry.ToolDefinition{
		{
			Name:          "searchProperties",
			Description:   "Search assessed parcels by address, neighborhood, or value range",
			RequiredScope: scope.ReadOnly,
			Parameters: validate.Contract{
				"addressContains": {Type: validate.TypeString, Description: "Substring of the situs address", MinLength: 2, MaxLength: 120},
				"neighborhood":    {Type: validate.TypeString, Description: "Neighborhood code", MaxLength: 64},
				"minValue":        {Type: validate.TypeNumber, Description: "Minimum assessed value", Min: validate.Bound(0)},
				"maxValue":        {Type: validate.TypeNumber, Description: "Maximum assessed value", Min: validate.Bound(0)},
				"limit":           limitParam(25, 100),
			},
			Handler: registry.HandlerFunc(p.searchProperties),
		},
		{
			Name:          "getProperty",
			Description:   "Fetch one parcel with its recent assessment history",
			RequiredScope: scope.ReadOnly,
			Parameters: validate.Contract{
				"parcelId": parcelID,
			},
			ResultFields: map[string]scope.Scope{
				"ownerName":           scope.ReadWrite,
				"ownerMailingAddress": scope.ReadWrite,
				"ownerTaxId":          scope.Admin,
				"changedBy":           scope.ReadWrite,
			},
			Handler: registry.HandlerFunc(p.getProperty),
		},
		{
			Name:          "updateAssessedValue",
			Description:   "Change a parcel's assessed value and record the reason",
			RequiredScope: scope.ReadWrite,
			Parameters: validate.Contract{
				"parcelId":      parcelID,
				"assessedValue": {Type: validate.TypeNumber, Description: "New assessed value", Required: true, Min: validate.Bound(0), Max: validate.Bound(1e10)},
				"reason":        {Type: validate.TypeString, Description: "Why the value changed", Required: true, MinLength: 3, MaxLength: 500},
			},
			Handler: registry.HandlerFunc(p.updateAssessedValue),
		},
		{
			Name:          "listAppeals",
			Description:   "List appeals, optionally for one parcel or status",
			RequiredScope: scope.ReadOnly,
			Parameters: validate.Contract{
				"parcelId": {Type: validate.TypeString, Description: "Parcel identifier", MinLength: 1, MaxLength: 32},
				"status":   {Type: validate.TypeString, Description: "Appeal status", Enum: appealStatuses},
				"limit":    limitParam(50, 200),
			},
			ResultFields: map[string]scope.Scope{
				"filedBy": scope.ReadWrite,
				"notes":   scope.ReadWrite,
			},
			Handler: registry.HandlerFunc(p.listAppeals),
		},
		{
			Name:          "fileAppeal",
			Description:   "File an appeal against a parcel's assessed value",
			RequiredScope: scope.ReadWrite,
			Parameters: validate.Contract{
				"parcelId":       parcelID,
				"requestedValue": {Type: validate.TypeNumber, Description: "Value the appellant believes is correct", Required: true, Min: validate.Bound(0), Max: validate.Bound(1e10)},
				"reason":         {Type: validate.TypeString, Description: "Grounds for the appeal", Required: true, MinLength: 10, MaxLength: 2000},
			},
			Handler: registry.HandlerFunc(p.fileAppeal),
		},
		{
			Name:          "updateAppealStatus",
			Description:   "Move an appeal to a new review status",
			RequiredScope: scope.Admin,
			Parameters: validate.Contract{
				"appealId": {Type: validate.TypeString, Description: "Appeal identifier", Required: true, MinLength: 1, MaxLength: 64},
				"status":   {Type: validate.TypeString, Description: "New status", Required: true, Enum: appealStatuses},
				"notes":    {Type: validate.TypeString, Description: "Reviewer notes", MaxLength: 2000},
			},
			Handler: registry.HandlerFunc(p.updateAppealStatus),
		},
		{
			Name:          "getAuditLog",
			Description:   "Query the request audit trail",
			RequiredScope: scope.Admin,
			Parameters: validate.Contract{
				"identity": {Type: validate.TypeString, Description: "Caller identity", MaxLength: 128},
				"toolName": {Type: validate.TypeString, Description: "Tool name", MaxLength: 128},
				"status":   {Type: validate.TypeString, Description: "Audit status", Enum: auditStatuses},
				"limit":    limitParam(100, 1000),
			},
			Handler: registry.HandlerFunc(p.getAuditLog),
		},
		{
			Name:          "getSecurityEvents",
			Description:   "Query recorded security events",
			RequiredScope: scope.Admin,
			Parameters: validate.Contract{
				"category": {Type: validate.TypeString, Description: "Event category", MaxLength: 64},
				"identity": {Type: validate.TypeString, Description: "Caller identity", MaxLength: 128},
				"limit":    limitParam(100, 1000),
			},
			Handler: registry.HandlerFunc(p.getSecurityEvents),
		},
	}
}
