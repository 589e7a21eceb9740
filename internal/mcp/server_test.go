// ABOUTME: Tests for the HTTP endpoints using httptest and stub collaborators
// ABOUTME: Covers envelope decoding and rejection, error rendering, headers, and request IDs

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessor-labs/mcpgate/internal/auth"
	"github.com/assessor-labs/mcpgate/internal/dispatch"
	"github.com/assessor-labs/mcpgate/internal/ratelimit"
	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/validate"
)

type stubAuthenticator struct {
	principal *auth.Principal
	err       error
}

func (a stubAuthenticator) Authenticate(*http.Request) (*auth.Principal, error) {
	return a.principal, a.err
}

type stubDispatcher struct {
	mu        sync.Mutex
	executes  []dispatch.Request
	exchanges []dispatch.ExchangeRequest
	rejected  []dispatch.EnvelopeRejection
	lists     []dispatch.ListRequest

	executeResp  dispatch.Response
	exchangeResp dispatch.ExchangeResponse
	tools        []registry.ToolInfo
	listErr      *dispatch.Error
}

func (d *stubDispatcher) Execute(_ context.Context, req dispatch.Request) dispatch.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executes = append(d.executes, req)
	resp := d.executeResp
	resp.RequestID = req.RequestID
	return resp
}

func (d *stubDispatcher) Exchange(_ context.Context, req dispatch.ExchangeRequest) dispatch.ExchangeResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exchanges = append(d.exchanges, req)
	resp := d.exchangeResp
	resp.RequestID = req.RequestID
	return resp
}

func (d *stubDispatcher) ListTools(_ context.Context, req dispatch.ListRequest) dispatch.ListResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists = append(d.lists, req)
	if d.listErr != nil {
		return dispatch.ListResponse{RequestID: req.RequestID, Err: d.listErr}
	}
	return dispatch.ListResponse{RequestID: req.RequestID, Tools: d.tools}
}

// RejectEnvelope answers the way the real dispatcher does for the statuses
// the transport relies on: auth failures first, then the envelope cause.
func (d *stubDispatcher) RejectEnvelope(_ context.Context, req dispatch.EnvelopeRejection) dispatch.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = append(d.rejected, req)

	derr := &dispatch.Error{Kind: dispatch.KindValidation, Status: http.StatusBadRequest, Message: "malformed request body"}
	switch {
	case req.Principal == nil && req.AuthErr != nil:
		derr = &dispatch.Error{Kind: dispatch.KindAuthentication, Status: http.StatusUnauthorized, Message: "authentication required"}
	case errors.Is(req.Cause, dispatch.ErrBodyTooLarge):
		derr = &dispatch.Error{Kind: dispatch.KindBodyTooLarge, Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
	}
	return dispatch.Response{RequestID: req.RequestID, State: dispatch.StateRejected, Err: derr}
}

func newTestServer(t *testing.T, d *stubDispatcher, a stubAuthenticator) *httptest.Server {
	t.Helper()
	s, err := NewServer(Config{Dispatcher: d, Authenticator: a})
	require.NoError(t, err)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

var reader = &auth.Principal{KeyID: "k1", Scope: scope.ReadOnly, Method: auth.MethodBearer}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Config{Authenticator: stubAuthenticator{}})
	assert.Error(t, err)
	_, err = NewServer(Config{Dispatcher: &stubDispatcher{}})
	assert.Error(t, err)
}

func TestExecute_Success(t *testing.T) {
	d := &stubDispatcher{executeResp: dispatch.Response{
		State:     dispatch.StateCompleted,
		Result:    registry.Result{"parcelId": "P-1"},
		RateLimit: &ratelimit.Decision{Limit: 60, Remaining: 59},
	}}
	ts := newTestServer(t, d, stubAuthenticator{principal: reader})

	resp := post(t, ts.URL+"/api/mcp/execute", `{"toolName":"getProperty","parameters":{"parcelId":"P-1","limit":5}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var out executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "P-1", out.Result["parcelId"])
	assert.Equal(t, resp.Header.Get(RequestIDHeader), out.RequestID)

	require.Len(t, d.executes, 1)
	got := d.executes[0]
	assert.Equal(t, "getProperty", got.ToolName)
	assert.Same(t, reader, got.Principal)
	assert.Equal(t, json.Number("5"), got.Parameters["limit"])
}

func TestExecute_AuthErrorForwarded(t *testing.T) {
	d := &stubDispatcher{executeResp: dispatch.Response{
		State: dispatch.StateRejected,
		Err:   &dispatch.Error{Kind: dispatch.KindAuthentication, Status: http.StatusUnauthorized, Message: "authentication required"},
	}}
	ts := newTestServer(t, d, stubAuthenticator{err: auth.ErrTokenExpired})

	resp := post(t, ts.URL+"/api/mcp/execute", `{"toolName":"getProperty","parameters":{}}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	out := decodeError(t, resp)
	assert.Equal(t, "authentication", out.Error.Code)
	assert.Equal(t, "authentication required", out.Error.Message)

	require.Len(t, d.executes, 1)
	assert.Nil(t, d.executes[0].Principal)
	assert.ErrorIs(t, d.executes[0].AuthErr, auth.ErrTokenExpired)
}

func TestExecute_RateLimitedSetsRetryAfter(t *testing.T) {
	d := &stubDispatcher{executeResp: dispatch.Response{
		State: dispatch.StateRejected,
		Err: &dispatch.Error{
			Kind:       dispatch.KindRateLimit,
			Status:     http.StatusTooManyRequests,
			Message:    "rate limit exceeded",
			RetryAfter: 1500 * time.Millisecond,
		},
	}}
	ts := newTestServer(t, d, stubAuthenticator{principal: reader})

	resp := post(t, ts.URL+"/api/mcp/execute", `{"toolName":"getProperty"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	out := decodeError(t, resp)
	assert.Equal(t, 2, out.RetryAfter)
	assert.Equal(t, "rate_limit", out.Error.Code)
}

func TestExecute_ValidationFieldsRendered(t *testing.T) {
	d := &stubDispatcher{executeResp: dispatch.Response{
		State: dispatch.StateRejected,
		Err: &dispatch.Error{
			Kind:    dispatch.KindValidation,
			Status:  http.StatusBadRequest,
			Message: "invalid parameters",
			Fields:  []validate.Violation{{Field: "parcelId", Message: "is required"}},
		},
	}}
	ts := newTestServer(t, d, stubAuthenticator{principal: reader})

	resp := post(t, ts.URL+"/api/mcp/execute", `{"toolName":"getProperty","parameters":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := decodeError(t, resp)
	require.Len(t, out.Error.Fields, 1)
	assert.Equal(t, "parcelId", out.Error.Fields[0].Field)
	assert.Zero(t, out.RetryAfter)
}

func TestExecute_MalformedEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{toolName`},
		{"unknown field", `{"toolName":"getProperty","extra":1}`},
		{"trailing data", `{"toolName":"getProperty"} {}`},
		{"wrong type", `{"toolName":42}`},
		{"missing tool name", `{"parameters":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stubDispatcher{}
			ts := newTestServer(t, d, stubAuthenticator{principal: reader})

			resp := post(t, ts.URL+"/api/mcp/execute", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			out := decodeError(t, resp)
			assert.Equal(t, "validation", out.Error.Code)
			assert.NotEmpty(t, out.RequestID)
			assert.Empty(t, d.executes)

			require.Len(t, d.rejected, 1)
			rej := d.rejected[0]
			assert.Equal(t, out.RequestID, rej.RequestID)
			assert.Same(t, reader, rej.Principal)
			assert.Error(t, rej.Cause)
		})
	}
}

func TestExecute_MissingToolNameCause(t *testing.T) {
	d := &stubDispatcher{}
	ts := newTestServer(t, d, stubAuthenticator{principal: reader})

	post(t, ts.URL+"/api/mcp/execute", `{"parameters":{}}`)
	require.Len(t, d.rejected, 1)
	assert.ErrorIs(t, d.rejected[0].Cause, dispatch.ErrMissingToolName)
	assert.Empty(t, d.rejected[0].ToolName)
}

func TestExecute_AuthFailureBeforeEnvelopeError(t *testing.T) {
	d := &stubDispatcher{}
	ts := newTestServer(t, d, stubAuthenticator{err: auth.ErrTokenExpired})

	resp := post(t, ts.URL+"/api/mcp/execute", `{toolName`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	require.Len(t, d.rejected, 1)
	assert.Nil(t, d.rejected[0].Principal)
	assert.ErrorIs(t, d.rejected[0].AuthErr, auth.ErrTokenExpired)
	assert.ErrorIs(t, d.rejected[0].Cause, dispatch.ErrMalformedEnvelope)
}

func TestExecute_BodyTooLarge(t *testing.T) {
	d := &stubDispatcher{}
	ts := newTestServer(t, d, stubAuthenticator{principal: reader})

	big := `{"toolName":"x","parameters":{"q":"` + strings.Repeat("a", MaxRequestBodySize) + `"}}`
	resp := post(t, ts.URL+"/api/mcp/execute", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "body_too_large", decodeError(t, resp).Error.Code)
	assert.Empty(t, d.executes)
	require.Len(t, d.rejected, 1)
	assert.ErrorIs(t, d.rejected[0].Cause, dispatch.ErrBodyTooLarge)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &stubDispatcher{}, stubAuthenticator{principal: reader})

	resp, err := http.Get(ts.URL + "/api/mcp/execute")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestRequestID_ServerGenerated(t *testing.T) {
	d := &stubDispatcher{executeResp: dispatch.Response{State: dispatch.StateCompleted, Result: registry.Result{}}}
	ts := newTestServer(t, d, stubAuthenticator{principal: reader})

	ids := make(map[string]bool)
	for range 3 {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/mcp/execute", strings.NewReader(`{"toolName":"t"}`))
		require.NoError(t, err)
		req.Header.Set(RequestIDHeader, "client-chosen")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		id := resp.Header.Get(RequestIDHeader)
		assert.NotEqual(t, "client-chosen", id)
		assert.NotEmpty(t, id)
		ids[id] = true
	}
	assert.Len(t, ids, 3)

	for _, req := range d.executes {
		assert.True(t, ids[req.RequestID])
	}
}

func TestToken_Success(t *testing.T) {
	expires := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := &stubDispatcher{exchangeResp: dispatch.ExchangeResponse{
		Token: &auth.Token{Value: "jwt", Scope: scope.ReadWrite, ExpiresAt: expires},
	}}
	ts := newTestServer(t, d, stubAuthenticator{})

	resp := post(t, ts.URL+"/api/auth/token", `{"apiKey":"mcpk_0123456789abcdef_c2VjcmV0"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "jwt", out["token"])
	assert.Equal(t, "Bearer", out["tokenType"])
	assert.Equal(t, "READ_WRITE", out["scope"])
	assert.Equal(t, "2026-01-01T12:00:00Z", out["expiresAt"])

	require.Len(t, d.exchanges, 1)
	assert.Equal(t, "mcpk_0123456789abcdef_c2VjcmV0", d.exchanges[0].APIKey)
	assert.True(t, d.exchanges[0].SourceIP.IsLoopback())
}

func TestToken_InvalidCredentials(t *testing.T) {
	d := &stubDispatcher{exchangeResp: dispatch.ExchangeResponse{
		Err: &dispatch.Error{Kind: dispatch.KindAuthentication, Status: http.StatusUnauthorized, Message: "invalid credentials"},
	}}
	ts := newTestServer(t, d, stubAuthenticator{})

	resp := post(t, ts.URL+"/api/auth/token", `{"apiKey":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	out := decodeError(t, resp)
	assert.Equal(t, "invalid credentials", out.Error.Message)
}

func TestToken_MalformedBodyAudited(t *testing.T) {
	d := &stubDispatcher{}
	ts := newTestServer(t, d, stubAuthenticator{})

	resp := post(t, ts.URL+"/api/auth/token", `{"apiKey":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, d.exchanges)

	require.Len(t, d.rejected, 1)
	rej := d.rejected[0]
	assert.Equal(t, dispatch.ExchangeToolName, rej.ToolName)
	assert.Nil(t, rej.Principal)
	assert.NoError(t, rej.AuthErr)
	assert.True(t, rej.SourceIP.IsLoopback())
	assert.ErrorIs(t, rej.Cause, dispatch.ErrMalformedEnvelope)
}

func TestTools_Listed(t *testing.T) {
	d := &stubDispatcher{tools: []registry.ToolInfo{
		{Name: "getProperty", Description: "Fetch a parcel", RequiredPermission: scope.ReadOnly},
	}}
	ts := newTestServer(t, d, stubAuthenticator{principal: reader})

	resp, err := http.Get(ts.URL + "/api/mcp/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Tools []struct {
			Name               string `json:"name"`
			RequiredPermission string `json:"requiredPermission"`
		} `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "getProperty", out.Tools[0].Name)
	assert.Equal(t, "READ_ONLY", out.Tools[0].RequiredPermission)
	require.Len(t, d.lists, 1)
	assert.Same(t, reader, d.lists[0].Principal)
	assert.Equal(t, resp.Header.Get(RequestIDHeader), d.lists[0].RequestID)
}

func TestTools_Unauthenticated(t *testing.T) {
	d := &stubDispatcher{listErr: &dispatch.Error{
		Kind: dispatch.KindAuthentication, Status: http.StatusUnauthorized, Message: "authentication required",
	}}
	ts := newTestServer(t, d, stubAuthenticator{err: errors.New("no credentials")})

	resp, err := http.Get(ts.URL + "/api/mcp/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Len(t, d.lists, 1)
	assert.Nil(t, d.lists[0].Principal)
	assert.EqualError(t, d.lists[0].AuthErr, "no credentials")
}
