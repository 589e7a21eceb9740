// ABOUTME: Tests for the dispatch pipeline: ordering, error mapping, auditing, and filtering
// ABOUTME: Includes the end-to-end scenarios for scope denial, injection, and rate limiting

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessor-labs/mcpgate/internal/audit"
	"github.com/assessor-labs/mcpgate/internal/auth"
	"github.com/assessor-labs/mcpgate/internal/ratelimit"
	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/validate"
)

type fakeAuditor struct {
	mu        sync.Mutex
	admitErr  error
	beginErr  error
	begins    []audit.Record
	completes []audit.Record
	events    []audit.SecurityEvent
}

func (a *fakeAuditor) Admit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.admitErr
}

func (a *fakeAuditor) Begin(rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.beginErr != nil {
		return a.beginErr
	}
	a.begins = append(a.begins, rec)
	return nil
}

func (a *fakeAuditor) Complete(rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completes = append(a.completes, rec)
	return nil
}

func (a *fakeAuditor) Security(ev audit.SecurityEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAuditor) completed() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.completes...)
}

func (a *fakeAuditor) securityEvents() []audit.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.SecurityEvent(nil), a.events...)
}

type countingRecorder struct {
	requests atomic.Int64
	events   atomic.Int64
}

func (r *countingRecorder) ObserveRequest(context.Context, string, string, int, time.Duration) {
	r.requests.Add(1)
}

func (r *countingRecorder) CountSecurityEvent(context.Context, string) { r.events.Add(1) }

type fixture struct {
	d        *Dispatcher
	auditor  *fakeAuditor
	limiter  *ratelimit.Limiter
	recorder *countingRecorder
	calls    atomic.Int64
}

func principal(sc scope.Scope) *auth.Principal {
	return &auth.Principal{KeyID: "key-" + sc.String(), Scope: sc, Method: auth.MethodBearer}
}

func newFixture(t *testing.T, timeout time.Duration, limit int) *fixture {
	t.Helper()
	f := &fixture{auditor: &fakeAuditor{}, recorder: &countingRecorder{}}
	f.limiter = ratelimit.New(ratelimit.Config{Limit: limit, Window: time.Minute})
	t.Cleanup(f.limiter.Close)

	counted := func(h registry.HandlerFunc) registry.Handler {
		return registry.HandlerFunc(func(ctx context.Context, p validate.Params, c registry.Call) (registry.Result, error) {
			f.calls.Add(1)
			return h(ctx, p, c)
		})
	}

	reg := registry.MustNew(
		registry.ToolDefinition{
			Name:          "searchProperties",
			RequiredScope: scope.ReadOnly,
			Parameters: validate.Contract{
				"addressContains": {Type: validate.TypeString, MinLength: 2, MaxLength: 120},
				"limit":           {Type: validate.TypeInteger, Min: validate.Bound(1), Max: validate.Bound(100), Default: 25},
			},
			Handler: counted(func(_ context.Context, p validate.Params, _ registry.Call) (registry.Result, error) {
				limit, _ := p.Int("limit")
				return registry.Result{
					"limit": limit,
					"properties": []map[string]any{
						{"parcelId": "P-1", "ownerName": "Pat", "ownerTaxId": "123"},
					},
				}, nil
			}),
			ResultFields: map[string]scope.Scope{"ownerName": scope.ReadWrite, "ownerTaxId": scope.Admin},
		},
		registry.ToolDefinition{
			Name:          "getProperty",
			RequiredScope: scope.ReadOnly,
			Parameters:    validate.Contract{"parcelId": {Type: validate.TypeString, Required: true, MaxLength: 32}},
			Handler: counted(func(_ context.Context, p validate.Params, _ registry.Call) (registry.Result, error) {
				return registry.Result{
					"parcelId":   p.String("parcelId"),
					"ownerName":  "Pat",
					"ownerTaxId": "123-45-6789",
					"nested":     map[string]any{"ownerTaxId": "x", "kept": true},
				}, nil
			}),
			ResultFields: map[string]scope.Scope{"ownerName": scope.ReadWrite, "ownerTaxId": scope.Admin},
		},
		registry.ToolDefinition{
			Name:          "updateAssessedValue",
			RequiredScope: scope.ReadWrite,
			Parameters: validate.Contract{
				"parcelId":      {Type: validate.TypeString, Required: true},
				"assessedValue": {Type: validate.TypeNumber, Required: true, Min: validate.Bound(0)},
				"secretNote":    {Type: validate.TypeString, Sensitive: true},
			},
			Handler: counted(func(context.Context, validate.Params, registry.Call) (registry.Result, error) {
				return registry.Result{"updated": true}, nil
			}),
		},
		registry.ToolDefinition{
			Name:          "failing",
			RequiredScope: scope.ReadOnly,
			Handler: counted(func(context.Context, validate.Params, registry.Call) (registry.Result, error) {
				return nil, errors.New("database exploded at /var/lib/db password=hunter2")
			}),
		},
		registry.ToolDefinition{
			Name:          "panicking",
			RequiredScope: scope.ReadOnly,
			Handler: counted(func(context.Context, validate.Params, registry.Call) (registry.Result, error) {
				panic("boom")
			}),
		},
		registry.ToolDefinition{
			Name:          "slow",
			RequiredScope: scope.ReadOnly,
			Handler: counted(func(context.Context, validate.Params, registry.Call) (registry.Result, error) {
				time.Sleep(2 * time.Second)
				return registry.Result{"late": true}, nil
			}),
		},
		registry.ToolDefinition{
			Name:          "purgeAudit",
			RequiredScope: scope.Admin,
			Handler: counted(func(context.Context, validate.Params, registry.Call) (registry.Result, error) {
				return registry.Result{}, nil
			}),
		},
	)

	f.d = New(reg, f.auditor, f.limiter, Config{HandlerTimeout: timeout, Recorder: f.recorder})
	return f
}

func TestScenario_ReadOnlyCallingReadWriteTool(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{
		RequestID:  "req-1",
		Principal:  principal(scope.ReadOnly),
		ToolName:   "updateAssessedValue",
		Parameters: map[string]any{"parcelId": "P-1", "assessedValue": 100.0},
	})

	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusForbidden, resp.Err.Status)
	assert.Equal(t, KindAuthorization, resp.Err.Kind)
	assert.Equal(t, StateRejected, resp.State)
	assert.Nil(t, resp.Result)

	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusRejected, records[0].Status)
	assert.Equal(t, "req-1", records[0].RequestID)
	assert.Empty(t, f.auditor.securityEvents())
	assert.Zero(t, f.calls.Load())
}

func TestScenario_SQLInjectionRejected(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{
		RequestID:  "req-2",
		Principal:  principal(scope.Admin),
		ToolName:   "searchProperties",
		Parameters: map[string]any{"addressContains": "'; DROP TABLE"},
	})

	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusBadRequest, resp.Err.Status)
	assert.Equal(t, "invalid input", resp.Err.Message)
	assert.Empty(t, resp.Err.Fields)

	events := f.auditor.securityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategorySQLInjection, events[0].Category)
	assert.Equal(t, "req-2", events[0].RequestID)
	assert.Equal(t, "key-ADMIN", events[0].Identity)

	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusError, records[0].Status)
	assert.Zero(t, f.calls.Load())
}

func TestScenario_RateLimitBackoff(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	p := principal(scope.ReadOnly)

	for i := 0; i < 60; i++ {
		resp := f.d.Execute(context.Background(), Request{Principal: p, ToolName: "getProperty", Parameters: map[string]any{"parcelId": "P-1"}})
		require.Nil(t, resp.Err, "request %d", i+1)
	}

	r61 := f.d.Execute(context.Background(), Request{Principal: p, ToolName: "getProperty", Parameters: map[string]any{"parcelId": "P-1"}})
	require.NotNil(t, r61.Err)
	assert.Equal(t, http.StatusTooManyRequests, r61.Err.Status)
	assert.Greater(t, r61.Err.RetryAfter, time.Duration(0))

	r62 := f.d.Execute(context.Background(), Request{Principal: p, ToolName: "getProperty", Parameters: map[string]any{"parcelId": "P-1"}})
	require.NotNil(t, r62.Err)
	assert.GreaterOrEqual(t, r62.Err.RetryAfter, r61.Err.RetryAfter)

	events := f.auditor.securityEvents()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, audit.CategoryRateLimitExceeded, ev.Category)
	}
	assert.Equal(t, int64(60), f.calls.Load())
	assert.Len(t, f.auditor.completed(), 62)
}

func TestExecute_Unauthenticated(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{
		AuthErr:    auth.ErrTokenExpired,
		ToolName:   "getProperty",
		Parameters: map[string]any{"parcelId": "P-1"},
	})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusUnauthorized, resp.Err.Status)
	assert.ErrorIs(t, resp.Err, auth.ErrTokenExpired)
	assert.NotEmpty(t, resp.RequestID)

	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, "anonymous", records[0].Identity)
	assert.Equal(t, audit.StatusRejected, records[0].Status)
	assert.Equal(t, http.StatusUnauthorized, records[0].HTTPStatus)
}

func TestExecute_UnknownToolBeforePolicy(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{
		Principal:  principal(scope.ReadOnly),
		ToolName:   "dropEverything",
		Parameters: map[string]any{"secret": "value"},
	})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusNotFound, resp.Err.Status)

	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusRejected, records[0].Status)
	assert.Nil(t, records[0].Parameters, "parameters of unknown tools are not recorded")
}

func TestExecute_SchemaViolationsReturned(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{
		Principal:  principal(scope.ReadWrite),
		ToolName:   "updateAssessedValue",
		Parameters: map[string]any{"assessedValue": -5.0, "bogus": 1},
	})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusBadRequest, resp.Err.Status)
	assert.Equal(t, "invalid parameters", resp.Err.Message)

	fields := map[string]bool{}
	for _, v := range resp.Err.Fields {
		fields[v.Field] = true
	}
	assert.True(t, fields["parcelId"])
	assert.True(t, fields["assessedValue"])
	assert.True(t, fields["bogus"])

	assert.Empty(t, f.auditor.securityEvents())
	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusError, records[0].Status)
}

func TestExecute_SuccessAudited(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{
		RequestID:  "req-ok",
		Principal:  principal(scope.ReadWrite),
		ToolName:   "updateAssessedValue",
		Parameters: map[string]any{"parcelId": "P-1", "assessedValue": 1000.0, "secretNote": "do not log"},
	})
	require.Nil(t, resp.Err)
	assert.Equal(t, StateCompleted, resp.State)
	assert.Equal(t, true, resp.Result["updated"])
	require.NotNil(t, resp.RateLimit)
	assert.Equal(t, 59, resp.RateLimit.Remaining)

	require.Len(t, f.auditor.begins, 1)
	assert.Equal(t, validate.Redacted, f.auditor.begins[0].Parameters["secretNote"])
	assert.Equal(t, "P-1", f.auditor.begins[0].Parameters["parcelId"])

	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusSuccess, records[0].Status)
	assert.Equal(t, http.StatusOK, records[0].HTTPStatus)
	assert.Equal(t, validate.Redacted, records[0].Parameters["secretNote"])
	assert.Equal(t, int64(1), f.recorder.requests.Load())
}

func TestExecute_HandlerErrorIsAbstracted(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{Principal: principal(scope.ReadOnly), ToolName: "failing"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusInternalServerError, resp.Err.Status)
	assert.Equal(t, "internal error", resp.Err.Message)
	assert.NotContains(t, resp.Err.Message, "exploded")
	assert.Equal(t, StateFailed, resp.State)

	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusError, records[0].Status)
	assert.Contains(t, records[0].ErrorDetail, "database exploded")
}

func TestExecute_PanicRecovered(t *testing.T) {
	f := newFixture(t, time.Second, 60)

	resp := f.d.Execute(context.Background(), Request{Principal: principal(scope.ReadOnly), ToolName: "panicking"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindExecution, resp.Err.Kind)
	assert.ErrorIs(t, resp.Err, ErrHandlerPanic)
}

func TestExecute_TimeoutReturnsPromptly(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, 60)

	start := time.Now()
	resp := f.d.Execute(context.Background(), Request{Principal: principal(scope.ReadOnly), ToolName: "slow"})
	elapsed := time.Since(start)

	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Err.Status)
	assert.Equal(t, KindTimeout, resp.Err.Kind)
	assert.Less(t, elapsed, time.Second)

	records := f.auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusError, records[0].Status)
}

func TestExecute_ResultFilteredByScope(t *testing.T) {
	tests := []struct {
		sc        scope.Scope
		owner     bool
		taxID     bool
		nestedTax bool
	}{
		{scope.ReadOnly, false, false, false},
		{scope.ReadWrite, true, false, false},
		{scope.Admin, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.sc.String(), func(t *testing.T) {
			f := newFixture(t, time.Second, 60)
			resp := f.d.Execute(context.Background(), Request{
				Principal:  principal(tt.sc),
				ToolName:   "getProperty",
				Parameters: map[string]any{"parcelId": "P-1"},
			})
			require.Nil(t, resp.Err)

			_, hasOwner := resp.Result["ownerName"]
			_, hasTax := resp.Result["ownerTaxId"]
			assert.Equal(t, tt.owner, hasOwner)
			assert.Equal(t, tt.taxID, hasTax)

			nested, ok := resp.Result["nested"].(map[string]any)
			require.True(t, ok)
			_, hasNestedTax := nested["ownerTaxId"]
			assert.Equal(t, tt.nestedTax, hasNestedTax)
			assert.Equal(t, true, nested["kept"])
		})
	}
}

func TestExecute_ResultFilteredInsideLists(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	resp := f.d.Execute(context.Background(), Request{
		Principal:  principal(scope.ReadOnly),
		ToolName:   "searchProperties",
		Parameters: map[string]any{"addressContains": "Oak"},
	})
	require.Nil(t, resp.Err)
	assert.Equal(t, int64(25), resp.Result["limit"])

	items, ok := resp.Result["properties"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "P-1", item["parcelId"])
	assert.NotContains(t, item, "ownerName")
	assert.NotContains(t, item, "ownerTaxId")
}

func TestExecute_AuditUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	f.auditor.admitErr = fmt.Errorf("%w: 1024 writes pending", audit.ErrUnavailable)

	resp := f.d.Execute(context.Background(), Request{Principal: principal(scope.Admin), ToolName: "purgeAudit"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Err.Status)
	assert.Equal(t, KindAuditUnavailable, resp.Err.Kind)
	assert.Zero(t, f.calls.Load())
	assert.Empty(t, f.auditor.completed())
}

func TestExecute_BeginFailureStopsExecution(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	f.auditor.beginErr = audit.ErrClosed

	resp := f.d.Execute(context.Background(), Request{Principal: principal(scope.Admin), ToolName: "purgeAudit"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Err.Status)
	assert.Zero(t, f.calls.Load())
}

func TestExecute_ConcurrentRequestsEachAuditedOnce(t *testing.T) {
	f := newFixture(t, time.Second, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc := []scope.Scope{scope.ReadOnly, scope.ReadWrite, scope.Admin}[i%3]
			f.d.Execute(context.Background(), Request{
				RequestID:  fmt.Sprintf("req-%d", i),
				Principal:  principal(sc),
				ToolName:   "updateAssessedValue",
				Parameters: map[string]any{"parcelId": "P-1", "assessedValue": 1.0},
			})
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, rec := range f.auditor.completed() {
		seen[rec.RequestID]++
	}
	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "request %s", id)
	}
}

func TestListTools(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	list := func(p *auth.Principal) ListResponse {
		return f.d.ListTools(context.Background(), ListRequest{Principal: p})
	}

	resp := list(nil)
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusUnauthorized, resp.Err.Status)

	readOnly := list(principal(scope.ReadOnly))
	require.Nil(t, readOnly.Err)
	for _, info := range readOnly.Tools {
		assert.NotEqual(t, "updateAssessedValue", info.Name)
		assert.NotEqual(t, "purgeAudit", info.Name)
	}

	admin := list(principal(scope.Admin))
	require.Nil(t, admin.Err)
	assert.Len(t, admin.Tools, 7)

	again := list(principal(scope.Admin))
	assert.Equal(t, admin.Tools, again.Tools)
}

func TestListTools_EveryOutcomeAudited(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	ctx := context.Background()

	f.d.ListTools(ctx, ListRequest{RequestID: "anon", AuthErr: auth.ErrTokenExpired})
	f.d.ListTools(ctx, ListRequest{RequestID: "noscope", Principal: &auth.Principal{KeyID: "k0", Method: auth.MethodBearer}})
	f.d.ListTools(ctx, ListRequest{RequestID: "ok", Principal: principal(scope.ReadOnly)})

	byID := map[string]audit.Record{}
	for _, rec := range f.auditor.completed() {
		assert.Equal(t, ListToolsName, rec.ToolName)
		byID[rec.RequestID] = rec
	}
	require.Len(t, byID, 3)

	assert.Equal(t, "anonymous", byID["anon"].Identity)
	assert.Equal(t, http.StatusUnauthorized, byID["anon"].HTTPStatus)
	assert.Equal(t, audit.StatusRejected, byID["anon"].Status)

	assert.Equal(t, http.StatusForbidden, byID["noscope"].HTTPStatus)
	assert.Contains(t, byID["noscope"].ErrorDetail, "authorization")

	assert.Equal(t, principal(scope.ReadOnly).Identity(), byID["ok"].Identity)
	assert.Equal(t, http.StatusOK, byID["ok"].HTTPStatus)
	assert.Equal(t, audit.StatusSuccess, byID["ok"].Status)
	assert.Zero(t, f.calls.Load())
}

func TestListTools_AuditUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	f.auditor.admitErr = audit.ErrUnavailable

	resp := f.d.ListTools(context.Background(), ListRequest{Principal: principal(scope.Admin)})
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindAuditUnavailable, resp.Err.Kind)
	assert.Nil(t, resp.Tools)
	assert.Empty(t, f.auditor.completed())
}

func TestRejectEnvelope(t *testing.T) {
	tests := []struct {
		name         string
		req          EnvelopeRejection
		wantStatus   int
		wantKind     Kind
		wantIdentity string
		wantAudit    audit.Status
	}{
		{
			name:         "malformed body",
			req:          EnvelopeRejection{Principal: principal(scope.ReadOnly), Cause: fmt.Errorf("%w: eof", ErrMalformedEnvelope)},
			wantStatus:   http.StatusBadRequest,
			wantKind:     KindValidation,
			wantIdentity: principal(scope.ReadOnly).Identity(),
			wantAudit:    audit.StatusError,
		},
		{
			name:         "missing tool name",
			req:          EnvelopeRejection{Principal: principal(scope.ReadOnly), Cause: ErrMissingToolName},
			wantStatus:   http.StatusBadRequest,
			wantKind:     KindValidation,
			wantIdentity: principal(scope.ReadOnly).Identity(),
			wantAudit:    audit.StatusError,
		},
		{
			name:         "body too large",
			req:          EnvelopeRejection{Principal: principal(scope.Admin), ToolName: "x", Cause: ErrBodyTooLarge},
			wantStatus:   http.StatusRequestEntityTooLarge,
			wantKind:     KindBodyTooLarge,
			wantIdentity: principal(scope.Admin).Identity(),
			wantAudit:    audit.StatusRejected,
		},
		{
			name:         "unauthenticated caller gets 401 first",
			req:          EnvelopeRejection{AuthErr: auth.ErrTokenExpired, Cause: ErrMalformedEnvelope},
			wantStatus:   http.StatusUnauthorized,
			wantKind:     KindAuthentication,
			wantIdentity: "anonymous",
			wantAudit:    audit.StatusRejected,
		},
		{
			name: "token endpoint attributed to source IP",
			req: EnvelopeRejection{
				ToolName: ExchangeToolName,
				SourceIP: netip.MustParseAddr("192.0.2.7"),
				Cause:    ErrMalformedEnvelope,
			},
			wantStatus:   http.StatusBadRequest,
			wantKind:     KindValidation,
			wantIdentity: "ip:192.0.2.7",
			wantAudit:    audit.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second, 60)
			tt.req.RequestID = "req-1"

			resp := f.d.RejectEnvelope(context.Background(), tt.req)
			require.NotNil(t, resp.Err)
			assert.Equal(t, tt.wantStatus, resp.Err.Status)
			assert.Equal(t, tt.wantKind, resp.Err.Kind)
			assert.Equal(t, StateRejected, resp.State)

			records := f.auditor.completed()
			require.Len(t, records, 1)
			assert.Equal(t, "req-1", records[0].RequestID)
			assert.Equal(t, tt.req.ToolName, records[0].ToolName)
			assert.Equal(t, tt.wantIdentity, records[0].Identity)
			assert.Equal(t, tt.wantStatus, records[0].HTTPStatus)
			assert.Equal(t, tt.wantAudit, records[0].Status)
			assert.Zero(t, f.calls.Load())
		})
	}
}

func TestRejectEnvelope_MissingToolNameFields(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	resp := f.d.RejectEnvelope(context.Background(), EnvelopeRejection{Principal: principal(scope.ReadOnly), Cause: ErrMissingToolName})
	require.NotNil(t, resp.Err)
	assert.Equal(t, "invalid parameters", resp.Err.Message)
	assert.Equal(t, []validate.Violation{{Field: "toolName", Message: "is required"}}, resp.Err.Fields)
}

func TestRejectEnvelope_AuditUnavailable(t *testing.T) {
	f := newFixture(t, time.Second, 60)
	f.auditor.admitErr = audit.ErrUnavailable

	resp := f.d.RejectEnvelope(context.Background(), EnvelopeRejection{Principal: principal(scope.ReadOnly), Cause: ErrMalformedEnvelope})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Err.Status)
	assert.Empty(t, f.auditor.completed())
}

type fakeExchanger struct {
	err error
}

func (e fakeExchanger) Exchange(_ context.Context, apiKey string, _ netip.Addr) (*auth.Token, error) {
	if e.err != nil {
		return nil, e.err
	}
	keyID, _, err := auth.ParseAPIKey(apiKey)
	if err != nil {
		return nil, auth.ErrInvalidCredential
	}
	return &auth.Token{Value: "signed", SubjectKeyID: keyID, Scope: scope.ReadOnly, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

const testKey = "mcpk_0123456789abcdef_c2VjcmV0"

func TestExchange_Audited(t *testing.T) {
	auditor := &fakeAuditor{}
	d := New(registry.MustNew(), auditor, nil, Config{Tokens: fakeExchanger{}})

	resp := d.Exchange(context.Background(), ExchangeRequest{APIKey: testKey, SourceIP: netip.MustParseAddr("10.0.0.1")})
	require.Nil(t, resp.Err)
	assert.Equal(t, "signed", resp.Token.Value)

	records := auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, ExchangeToolName, records[0].ToolName)
	assert.Equal(t, "0123456789abcdef", records[0].Identity)
	assert.Equal(t, audit.StatusSuccess, records[0].Status)
	assert.Equal(t, map[string]any{"keyId": "0123456789abcdef"}, records[0].Parameters)
}

func TestExchange_InvalidCredential(t *testing.T) {
	auditor := &fakeAuditor{}
	d := New(registry.MustNew(), auditor, nil, Config{Tokens: fakeExchanger{err: auth.ErrKeyRevoked}})

	resp := d.Exchange(context.Background(), ExchangeRequest{APIKey: testKey})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusUnauthorized, resp.Err.Status)
	assert.Equal(t, "invalid credentials", resp.Err.Message)

	records := auditor.completed()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusRejected, records[0].Status)
	assert.Contains(t, records[0].ErrorDetail, "revoked")
}

func TestExchange_RateLimitedPerIP(t *testing.T) {
	auditor := &fakeAuditor{}
	exchangeLimiter := ratelimit.New(ratelimit.Config{Limit: 2, Window: time.Minute})
	defer exchangeLimiter.Close()
	d := New(registry.MustNew(), auditor, nil, Config{Tokens: fakeExchanger{}, ExchangeLimiter: exchangeLimiter})

	ip := netip.MustParseAddr("192.0.2.7")
	for i := 0; i < 2; i++ {
		resp := d.Exchange(context.Background(), ExchangeRequest{APIKey: "garbage", SourceIP: ip})
		require.NotNil(t, resp.Err)
		assert.Equal(t, http.StatusUnauthorized, resp.Err.Status)
	}

	resp := d.Exchange(context.Background(), ExchangeRequest{APIKey: testKey, SourceIP: ip})
	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Err.Status)
	assert.Greater(t, resp.Err.RetryAfter, time.Duration(0))

	events := auditor.securityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryRateLimitExceeded, events[0].Category)

	other := d.Exchange(context.Background(), ExchangeRequest{APIKey: testKey, SourceIP: netip.MustParseAddr("192.0.2.8")})
	assert.Nil(t, other.Err)
}

func TestAuditStatusMapping(t *testing.T) {
	tests := map[int]audit.Status{
		200: audit.StatusSuccess,
		400: audit.StatusError,
		500: audit.StatusError,
		504: audit.StatusError,
		401: audit.StatusRejected,
		403: audit.StatusRejected,
		404: audit.StatusRejected,
		429: audit.StatusRejected,
	}
	for code, want := range tests {
		assert.Equal(t, want, auditStatus(code), "status %d", code)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "rate_checked", StateRateChecked.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateExecuting.Terminal())
}
