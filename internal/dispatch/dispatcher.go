// ABOUTME: Execution dispatcher running each tool request through the authorization pipeline
// ABOUTME: Admission, auth, lookup, policy, rate limit, validation, then a time-boxed handler call

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/assessor-labs/mcpgate/internal/audit"
	"github.com/assessor-labs/mcpgate/internal/auth"
	"github.com/assessor-labs/mcpgate/internal/policy"
	"github.com/assessor-labs/mcpgate/internal/ratelimit"
	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/validate"
)

// DefaultHandlerTimeout bounds a handler call when Config leaves it unset.
const DefaultHandlerTimeout = 30 * time.Second

// ExchangeToolName is the pseudo-tool under which token exchanges are audited.
const ExchangeToolName = "auth.exchange"

// ListToolsName is the pseudo-tool under which tool listings are audited.
const ListToolsName = "tools.list"

var (
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("tool handler panicked")

	// Envelope failures reported by the transport to RejectEnvelope.
	ErrMalformedEnvelope = errors.New("malformed request body")
	ErrBodyTooLarge      = errors.New("request body too large")
	ErrMissingToolName   = errors.New("toolName is required")
)

// Auditor is the audit logger as seen by the dispatcher.
type Auditor interface {
	Admit() error
	Begin(rec audit.Record) error
	Complete(rec audit.Record) error
	Security(ev audit.SecurityEvent) error
}

// Limiter is the rate limiter as seen by the dispatcher.
type Limiter interface {
	Check(identity string) (ratelimit.Decision, error)
}

// TokenExchanger trades an API key for a signed token.
type TokenExchanger interface {
	Exchange(ctx context.Context, apiKey string, sourceIP netip.Addr) (*auth.Token, error)
}

// Recorder receives request metrics.
type Recorder interface {
	ObserveRequest(ctx context.Context, tool, outcome string, status int, elapsed time.Duration)
	CountSecurityEvent(ctx context.Context, category string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(context.Context, string, string, int, time.Duration) {}
func (nopRecorder) CountSecurityEvent(context.Context, string)                          {}

// Config configures a Dispatcher.
type Config struct {
	HandlerTimeout time.Duration
	// ExchangeLimiter throttles token exchanges per client IP. Nil disables it.
	ExchangeLimiter Limiter
	Tokens          TokenExchanger
	Recorder        Recorder
	Logger          *slog.Logger
}

// Request is one tool call as received from the transport.
type Request struct {
	RequestID string
	// Principal is nil when authentication failed; AuthErr says why.
	Principal  *auth.Principal
	AuthErr    error
	ToolName   string
	Parameters map[string]any
}

// Response is the outcome of Execute. Exactly one of Result and Err is set.
type Response struct {
	RequestID string
	State     State
	Result    registry.Result
	Err       *Error
	// RateLimit is set when the rate limiter admitted the request.
	RateLimit *ratelimit.Decision
}

// Dispatcher owns the registry and the per-request pipeline state.
type Dispatcher struct {
	registry *registry.Registry
	audit    Auditor
	limiter  Limiter
	cfg      Config
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher.
func New(reg *registry.Registry, auditor Auditor, limiter Limiter, cfg Config) *Dispatcher {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	metrics := cfg.Recorder
	if metrics == nil {
		metrics = nopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		audit:    auditor,
		limiter:  limiter,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
	}
}

// pipeline carries one request through its states.
type pipeline struct {
	d      *Dispatcher
	ctx    context.Context
	log    *slog.Logger
	state  State
	record audit.Record
	start  time.Time
}

func (p *pipeline) advance(next State) {
	p.log.Debug("request transition", "from", p.state, "to", next)
	p.state = next
}

// finish moves to a terminal state, writes the terminal audit record, and
// builds the response.
func (p *pipeline) finish(state State, result registry.Result, derr *Error) Response {
	p.advance(state)

	status := 200
	outcome := "success"
	if derr != nil {
		status = derr.Status
		outcome = string(derr.Kind)
	}

	if derr == nil || derr.Kind != KindAuditUnavailable {
		rec := p.record
		rec.Status = auditStatus(status)
		rec.HTTPStatus = status
		rec.EndTime = p.d.now().UTC()
		if derr != nil {
			rec.ErrorDetail = string(derr.Kind) + ": " + derr.Detail()
		}
		if err := p.d.audit.Complete(rec); err != nil {
			p.log.Error("failed to queue audit record", "error", err)
		}
	}

	elapsed := p.d.now().Sub(p.start)
	p.d.metrics.ObserveRequest(p.ctx, p.record.ToolName, outcome, status, elapsed)

	attrs := []any{"state", state, "status", status, "duration", elapsed}
	if derr != nil {
		attrs = append(attrs, "kind", derr.Kind, "detail", audit.RedactText(derr.Detail()))
	}
	switch {
	case derr == nil:
		p.log.Info("tool executed", attrs...)
	case derr.Status >= 500:
		p.log.Error("tool request failed", attrs...)
	default:
		p.log.Warn("tool request rejected", attrs...)
	}

	return Response{RequestID: p.record.RequestID, State: state, Result: result, Err: derr}
}

func (p *pipeline) security(category audit.Category, detail string) {
	ev := audit.SecurityEvent{
		RequestID: p.record.RequestID,
		Category:  category,
		Identity:  p.record.Identity,
		Detail:    detail,
		Timestamp: p.d.now().UTC(),
	}
	if err := p.d.audit.Security(ev); err != nil {
		p.log.Error("failed to queue security event", "category", category, "error", err)
	}
	p.d.metrics.CountSecurityEvent(p.ctx, string(category))
}

func (d *Dispatcher) newPipeline(ctx context.Context, requestID, toolName string) *pipeline {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	start := d.now()
	return &pipeline{
		d:     d,
		ctx:   ctx,
		log:   d.logger.With("request_id", requestID, "tool", toolName),
		state: StateReceived,
		start: start,
		record: audit.Record{
			RequestID: requestID,
			ToolName:  toolName,
			StartTime: start.UTC(),
		},
	}
}

// Execute runs req through the pipeline. Every terminal outcome except audit
// unavailability produces exactly one audit record.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Response {
	p := d.newPipeline(ctx, req.RequestID, req.ToolName)

	if err := d.audit.Admit(); err != nil {
		return p.finish(StateRejected, nil, newError(KindAuditUnavailable, err))
	}

	def, lookupErr := d.registry.Lookup(req.ToolName)
	if lookupErr == nil {
		p.record.Parameters = validate.Redact(def.Parameters, req.Parameters)
	}

	principal, derr := p.authenticate(req.Principal, req.AuthErr)
	if derr != nil {
		return p.finish(StateRejected, nil, derr)
	}

	if lookupErr != nil {
		return p.finish(StateRejected, nil, newError(KindUnknownTool, lookupErr))
	}

	if err := policy.Require(def.Name, principal.Scope, def.RequiredScope); err != nil {
		return p.finish(StateRejected, nil, newError(KindAuthorization, err))
	}
	p.advance(StateAuthorized)

	decision, err := d.limiter.Check(principal.Identity())
	if err != nil {
		return p.rateLimited(err)
	}
	p.advance(StateRateChecked)

	params, err := validate.Validate(def.Parameters, req.Parameters)
	if err != nil {
		return p.invalid(err)
	}
	p.advance(StateValidated)

	if err := d.audit.Begin(p.record); err != nil {
		return p.finish(StateRejected, nil, newError(KindAuditUnavailable, err))
	}
	p.advance(StateExecuting)

	call := registry.Call{
		RequestID: p.record.RequestID,
		Identity:  principal.Identity(),
		KeyID:     principal.KeyID,
		Scope:     principal.Scope,
	}
	result, derr := d.invoke(ctx, def, params, call)
	if derr != nil {
		return p.finish(StateFailed, nil, derr)
	}

	resp := p.finish(StateCompleted, filterResult(result, def.ResultFields, principal.Scope), nil)
	resp.RateLimit = &decision
	return resp
}

// authenticate records who the request is from. A nil principal is recorded
// as anonymous and fails with the transport's authentication error.
func (p *pipeline) authenticate(principal *auth.Principal, authErr error) (*auth.Principal, *Error) {
	if principal == nil {
		p.record.Identity = "anonymous"
		if authErr == nil {
			authErr = auth.ErrMissingCredentials
		}
		return nil, newError(KindAuthentication, authErr)
	}
	p.record.Identity = principal.Identity()
	p.log = p.log.With("identity", p.record.Identity)
	p.advance(StateAuthenticated)
	return principal, nil
}

func (p *pipeline) rateLimited(err error) Response {
	derr := newError(KindRateLimit, err)
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		derr.RetryAfter = limitErr.RetryAfter
	}
	p.security(audit.CategoryRateLimitExceeded, err.Error())
	return p.finish(StateRejected, nil, derr)
}

func (p *pipeline) invalid(err error) Response {
	derr := newError(KindValidation, err)

	var attack *validate.AttackError
	var schema *validate.SchemaError
	switch {
	case errors.As(err, &attack):
		p.security(audit.Category(attack.Category), "pattern match in "+attack.Field)
		derr.cause = fmt.Errorf("%w: %s in %s", validate.ErrInvalidInput, attack.Category, attack.Field)
	case errors.As(err, &schema):
		derr.Message = "invalid parameters"
		derr.Fields = schema.Violations
	}
	return p.finish(StateRejected, nil, derr)
}

// invoke calls the handler in its own goroutine under a hard deadline. The
// result is abandoned if the deadline passes first.
func (d *Dispatcher) invoke(ctx context.Context, def *registry.ToolDefinition, params validate.Params, call registry.Call) (registry.Result, *Error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	type outcome struct {
		result registry.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		result, err := def.Handler.Execute(callCtx, params, call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.result, nil
		}
		if errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil {
			return nil, newError(KindTimeout, out.err)
		}
		return nil, newError(KindExecution, out.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, newError(KindExecution, fmt.Errorf("request cancelled: %w", ctx.Err()))
		}
		return nil, newError(KindTimeout, fmt.Errorf("handler exceeded %s", d.cfg.HandlerTimeout))
	}
}

// ListRequest is a tool listing as received from the transport.
type ListRequest struct {
	RequestID string
	Principal *auth.Principal
	AuthErr   error
}

// ListResponse is the outcome of ListTools. Exactly one of Tools and Err is set.
type ListResponse struct {
	RequestID string
	Tools     []registry.ToolInfo
	Err       *Error
}

// ListTools returns the tools the principal's scope can call, sorted by name.
// Listing requires READ_ONLY and is audited as the tools.list pseudo-tool.
func (d *Dispatcher) ListTools(ctx context.Context, req ListRequest) ListResponse {
	p := d.newPipeline(ctx, req.RequestID, ListToolsName)
	respond := func(tools []registry.ToolInfo, derr *Error) ListResponse {
		state := StateCompleted
		if derr != nil {
			state = StateRejected
		}
		resp := p.finish(state, nil, derr)
		return ListResponse{RequestID: resp.RequestID, Tools: tools, Err: derr}
	}

	if err := d.audit.Admit(); err != nil {
		return respond(nil, newError(KindAuditUnavailable, err))
	}
	principal, derr := p.authenticate(req.Principal, req.AuthErr)
	if derr != nil {
		return respond(nil, derr)
	}
	if err := policy.Require(ListToolsName, principal.Scope, scope.ReadOnly); err != nil {
		return respond(nil, newError(KindAuthorization, err))
	}
	p.advance(StateAuthorized)

	all := d.registry.List()
	out := make([]registry.ToolInfo, 0, len(all))
	for _, info := range all {
		if policy.Authorize(principal.Scope, info.RequiredPermission) {
			out = append(out, info)
		}
	}
	return respond(out, nil)
}

// EnvelopeRejection is a request the transport refused before the pipeline
// could run: an unreadable body or a missing tool name.
type EnvelopeRejection struct {
	RequestID string
	// ToolName is whatever could be read from the body, possibly empty.
	ToolName string
	// Principal and AuthErr come from an endpoint that authenticates. Both
	// nil means the endpoint takes no credentials, as for token exchange.
	Principal *auth.Principal
	AuthErr   error
	SourceIP  netip.Addr
	Cause     error
}

// RejectEnvelope audits and answers a refused envelope. A caller that failed
// authentication gets the authentication error, never the envelope detail.
func (d *Dispatcher) RejectEnvelope(ctx context.Context, req EnvelopeRejection) Response {
	p := d.newPipeline(ctx, req.RequestID, req.ToolName)

	if err := d.audit.Admit(); err != nil {
		return p.finish(StateRejected, nil, newError(KindAuditUnavailable, err))
	}
	if req.Principal != nil || req.AuthErr != nil {
		if _, derr := p.authenticate(req.Principal, req.AuthErr); derr != nil {
			return p.finish(StateRejected, nil, derr)
		}
	} else {
		p.record.Identity = ipIdentity(req.SourceIP)
	}

	var derr *Error
	switch {
	case errors.Is(req.Cause, ErrBodyTooLarge):
		derr = newError(KindBodyTooLarge, req.Cause)
	case errors.Is(req.Cause, ErrMissingToolName):
		derr = newError(KindValidation, req.Cause)
		derr.Message = "invalid parameters"
		derr.Fields = []validate.Violation{{Field: "toolName", Message: "is required"}}
	default:
		derr = newError(KindValidation, req.Cause)
		derr.Message = "malformed request body"
	}
	return p.finish(StateRejected, nil, derr)
}

// ExchangeRequest is a token exchange as received from the transport.
type ExchangeRequest struct {
	RequestID string
	APIKey    string
	SourceIP  netip.Addr
}

// ExchangeResponse is the outcome of Exchange.
type ExchangeResponse struct {
	RequestID string
	Token     *auth.Token
	Err       *Error
}

// Exchange trades an API key for a token, auditing it as the auth.exchange
// pseudo-tool. Attempts are rate limited per source IP.
func (d *Dispatcher) Exchange(ctx context.Context, req ExchangeRequest) ExchangeResponse {
	p := d.newPipeline(ctx, req.RequestID, ExchangeToolName)
	p.record.Identity = exchangeIdentity(req)
	if keyID, _, err := auth.ParseAPIKey(req.APIKey); err == nil {
		p.record.Parameters = map[string]any{"keyId": keyID}
	}

	respond := func(state State, tok *auth.Token, derr *Error) ExchangeResponse {
		resp := p.finish(state, nil, derr)
		return ExchangeResponse{RequestID: resp.RequestID, Token: tok, Err: derr}
	}

	if err := d.audit.Admit(); err != nil {
		return respond(StateRejected, nil, newError(KindAuditUnavailable, err))
	}
	if d.cfg.Tokens == nil {
		return respond(StateFailed, nil, newError(KindExecution, errors.New("token exchange not configured")))
	}

	if d.cfg.ExchangeLimiter != nil {
		if _, err := d.cfg.ExchangeLimiter.Check(ipIdentity(req.SourceIP)); err != nil {
			derr := newError(KindRateLimit, err)
			var limitErr *ratelimit.LimitError
			if errors.As(err, &limitErr) {
				derr.RetryAfter = limitErr.RetryAfter
			}
			p.security(audit.CategoryRateLimitExceeded, err.Error())
			return respond(StateRejected, nil, derr)
		}
	}

	tok, err := d.cfg.Tokens.Exchange(ctx, req.APIKey, req.SourceIP)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) || errors.Is(err, auth.ErrKeyExpired) ||
			errors.Is(err, auth.ErrKeyRevoked) || errors.Is(err, auth.ErrIPNotAllowed) {
			derr := newError(KindAuthentication, err)
			derr.Message = "invalid credentials"
			return respond(StateRejected, nil, derr)
		}
		return respond(StateFailed, nil, newError(KindExecution, err))
	}

	p.record.Identity = tok.SubjectKeyID
	return respond(StateCompleted, tok, nil)
}

func exchangeIdentity(req ExchangeRequest) string {
	if keyID, _, err := auth.ParseAPIKey(req.APIKey); err == nil {
		return keyID
	}
	return ipIdentity(req.SourceIP)
}

func ipIdentity(addr netip.Addr) string {
	if !addr.IsValid() {
		return "ip:unknown"
	}
	return "ip:" + addr.String()
}
