// ABOUTME: Handler implementations for the property-assessment tools
// ABOUTME: Converts store rows into plain result maps so scope filtering can see every field

package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/store"
	"github.com/assessor-labs/mcpgate/internal/validate"
)

const historyDepth = 10

func (p *Pack) searchProperties(ctx context.Context, params validate.Params, _ registry.Call) (registry.Result, error) {
	q := store.PropertyQuery{
		AddressContains: params.String("addressContains"),
		Neighborhood:    params.String("neighborhood"),
	}
	if v, ok := params.Float("minValue"); ok {
		q.MinValue = &v
	}
	if v, ok := params.Float("maxValue"); ok {
		q.MaxValue = &v
	}
	if q.MinValue != nil && q.MaxValue != nil && *q.MinValue > *q.MaxValue {
		return registry.Result{"properties": []any{}, "count": 0}, nil
	}
	if n, ok := params.Int("limit"); ok {
		q.Limit = int(n)
	}

	props, err := p.assessments.SearchProperties(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("searching properties: %w", err)
	}

	out := make([]any, len(props))
	for i, prop := range props {
		out[i] = propertySummary(prop)
	}
	return registry.Result{"properties": out, "count": len(out)}, nil
}

func (p *Pack) getProperty(ctx context.Context, params validate.Params, _ registry.Call) (registry.Result, error) {
	id := params.String("parcelId")

	prop, err := p.assessments.GetProperty(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return registry.Result{"found": false, "parcelId": id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading property: %w", err)
	}

	history, err := p.assessments.ListAssessmentHistory(ctx, id, historyDepth)
	if err != nil {
		return nil, fmt.Errorf("loading assessment history: %w", err)
	}

	res := registry.Result(propertySummary(prop))
	res["found"] = true
	res["landValue"] = prop.LandValue
	res["improvementValue"] = prop.ImprovementValue
	res["yearBuilt"] = prop.YearBuilt
	res["ownerName"] = prop.OwnerName
	res["ownerMailingAddress"] = prop.OwnerMailingAddress
	res["ownerTaxId"] = prop.OwnerTaxID
	res["updatedAt"] = formatTime(prop.UpdatedAt)

	changes := make([]any, len(history))
	for i, c := range history {
		changes[i] = changeMap(c)
	}
	res["history"] = changes
	return res, nil
}

func (p *Pack) updateAssessedValue(ctx context.Context, params validate.Params, call registry.Call) (registry.Result, error) {
	id := params.String("parcelId")
	value, _ := params.Float("assessedValue")

	change, err := p.assessments.UpdateAssessedValue(ctx, id, value, params.String("reason"), call.Identity)
	if errors.Is(err, store.ErrNotFound) {
		return registry.Result{"updated": false, "found": false, "parcelId": id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating assessed value: %w", err)
	}

	p.logger.Info("assessed value changed",
		"request_id", call.RequestID,
		"parcel_id", id,
		"previous", change.PreviousValue,
		"new", change.NewValue,
	)
	res := registry.Result(changeMap(change))
	res["updated"] = true
	res["found"] = true
	return res, nil
}

func (p *Pack) listAppeals(ctx context.Context, params validate.Params, _ registry.Call) (registry.Result, error) {
	var f store.AppealFilter
	if params.Has("parcelId") {
		id := params.String("parcelId")
		f.ParcelID = &id
	}
	if params.Has("status") {
		status := store.AppealStatus(params.String("status"))
		f.Status = &status
	}
	if n, ok := params.Int("limit"); ok {
		f.Limit = int(n)
	}

	appeals, err := p.assessments.ListAppeals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing appeals: %w", err)
	}

	out := make([]any, len(appeals))
	for i, a := range appeals {
		out[i] = appealMap(a)
	}
	return registry.Result{"appeals": out, "count": len(out)}, nil
}

func (p *Pack) fileAppeal(ctx context.Context, params validate.Params, call registry.Call) (registry.Result, error) {
	requested, _ := params.Float("requestedValue")
	a := &store.Appeal{
		ParcelID:       params.String("parcelId"),
		FiledBy:        call.Identity,
		RequestedValue: requested,
		Reason:         params.String("reason"),
	}

	err := p.assessments.CreateAppeal(ctx, a)
	if errors.Is(err, store.ErrNotFound) {
		return registry.Result{"filed": false, "found": false, "parcelId": a.ParcelID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filing appeal: %w", err)
	}

	res := registry.Result(appealMap(a))
	res["filed"] = true
	return res, nil
}

func (p *Pack) updateAppealStatus(ctx context.Context, params validate.Params, call registry.Call) (registry.Result, error) {
	id := params.String("appealId")
	status := store.AppealStatus(params.String("status"))

	a, err := p.assessments.UpdateAppealStatus(ctx, id, status, params.String("notes"))
	if errors.Is(err, store.ErrNotFound) {
		return registry.Result{"updated": false, "found": false, "appealId": id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating appeal status: %w", err)
	}

	p.logger.Info("appeal status changed", "request_id", call.RequestID, "appeal_id", id, "status", status)
	res := registry.Result(appealMap(a))
	res["updated"] = true
	return res, nil
}

func (p *Pack) getAuditLog(ctx context.Context, params validate.Params, _ registry.Call) (registry.Result, error) {
	var f store.AuditFilter
	if params.Has("identity") {
		v := params.String("identity")
		f.Identity = &v
	}
	if params.Has("toolName") {
		v := params.String("toolName")
		f.ToolName = &v
	}
	if params.Has("status") {
		v := store.AuditStatus(params.String("status"))
		f.Status = &v
	}
	if n, ok := params.Int("limit"); ok {
		f.Limit = int(n)
	}

	records, err := p.audit.ListAuditRecords(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}

	out := make([]any, len(records))
	for i, r := range records {
		entry := map[string]any{
			"requestId":  r.RequestID,
			"identity":   r.Identity,
			"toolName":   r.ToolName,
			"parameters": r.Parameters,
			"status":     string(r.Status),
			"httpStatus": r.HTTPStatus,
			"startTime":  formatTime(r.StartTime),
		}
		if r.EndTime != nil {
			entry["endTime"] = formatTime(*r.EndTime)
		}
		if r.ErrorDetail != "" {
			entry["errorDetail"] = r.ErrorDetail
		}
		out[i] = entry
	}
	return registry.Result{"records": out, "count": len(out)}, nil
}

func (p *Pack) getSecurityEvents(ctx context.Context, params validate.Params, _ registry.Call) (registry.Result, error) {
	var f store.SecurityEventFilter
	if params.Has("category") {
		v := params.String("category")
		f.Category = &v
	}
	if params.Has("identity") {
		v := params.String("identity")
		f.Identity = &v
	}
	if n, ok := params.Int("limit"); ok {
		f.Limit = int(n)
	}

	events, err := p.audit.ListSecurityEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}

	out := make([]any, len(events))
	for i, ev := range events {
		out[i] = map[string]any{
			"id":        ev.ID,
			"requestId": ev.RequestID,
			"category":  ev.Category,
			"identity":  ev.Identity,
			"detail":    ev.Detail,
			"timestamp": formatTime(ev.Timestamp),
		}
	}
	return registry.Result{"events": out, "count": len(out)}, nil
}

func propertySummary(p *store.Property) map[string]any {
	return map[string]any{
		"parcelId":      p.ParcelID,
		"address":       p.Address,
		"neighborhood":  p.Neighborhood,
		"propertyClass": p.PropertyClass,
		"assessedValue": p.AssessedValue,
	}
}

func changeMap(c *store.AssessmentChange) map[string]any {
	return map[string]any{
		"changeId":      c.ID,
		"parcelId":      c.ParcelID,
		"previousValue": c.PreviousValue,
		"newValue":      c.NewValue,
		"reason":        c.Reason,
		"changedBy":     c.ChangedBy,
		"changedAt":     formatTime(c.ChangedAt),
	}
}

func appealMap(a *store.Appeal) map[string]any {
	return map[string]any{
		"appealId":       a.ID,
		"parcelId":       a.ParcelID,
		"filedBy":        a.FiledBy,
		"requestedValue": a.RequestedValue,
		"reason":         a.Reason,
		"status":         string(a.Status),
		"notes":          a.Notes,
		"createdAt":      formatTime(a.CreatedAt),
		"updatedAt":      formatTime(a.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
