// ABOUTME: HTTP surface for token exchange, tool execution, and tool discovery
// ABOUTME: Decodes JSON envelopes, authenticates, delegates to the dispatcher, and renders errors

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/assessor-labs/mcpgate/internal/auth"
	"github.com/assessor-labs/mcpgate/internal/dispatch"
	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/validate"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// RequestIDHeader is set on every response.
const RequestIDHeader = "X-Request-Id"

// Authenticator resolves the caller of an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Principal, error)
}

// Dispatcher runs the request pipeline.
type Dispatcher interface {
	Execute(ctx context.Context, req dispatch.Request) dispatch.Response
	Exchange(ctx context.Context, req dispatch.ExchangeRequest) dispatch.ExchangeResponse
	ListTools(ctx context.Context, req dispatch.ListRequest) dispatch.ListResponse
	RejectEnvelope(ctx context.Context, req dispatch.EnvelopeRejection) dispatch.Response
}

// Config holds configuration for the server.
type Config struct {
	Dispatcher        Dispatcher
	Authenticator     Authenticator
	// ClientIP attributes token exchanges to an address. Nil uses the TCP peer.
	ClientIP *auth.ClientIPResolver
	Logger   *slog.Logger
}

// Server implements the HTTP endpoints.
type Server struct {
	dispatcher Dispatcher
	authn      Authenticator
	clientIP   *auth.ClientIPResolver
	logger     *slog.Logger
}

// NewServer creates a server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		dispatcher: cfg.Dispatcher,
		authn:      cfg.Authenticator,
		clientIP:   cfg.ClientIP,
		logger:     logger.With("component", "mcp"),
	}, nil
}

// RegisterRoutes registers the API endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/token", s.withRequestID(s.allow(http.MethodPost, s.handleToken)))
	mux.HandleFunc("/api/mcp/execute", s.withRequestID(s.allow(http.MethodPost, s.handleExecute)))
	mux.HandleFunc("/api/mcp/tools", s.withRequestID(s.allow(http.MethodGet, s.handleTools)))
}

type requestIDKey struct{}

// withRequestID assigns a server-generated request ID and echoes it in the
// response header. Client-supplied IDs are ignored so they cannot collide
// with existing audit records.
func (s *Server) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		next(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	}
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) allow(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			s.sendError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil, 0)
			return
		}
		next(w, r)
	}
}

// Wire types

type tokenRequest struct {
	APIKey string `json:"apiKey"`
}

type tokenResponse struct {
	Token     string      `json:"token"`
	TokenType string      `json:"tokenType"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Scope     scope.Scope `json:"scope"`
}

type executeRequest struct {
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
}

type executeResponse struct {
	RequestID string          `json:"requestId"`
	Result    registry.Result `json:"result"`
}

type toolsResponse struct {
	Tools []registry.ToolInfo `json:"tools"`
}

type errorBody struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Fields  []validate.Violation `json:"fields,omitempty"`
}

type errorResponse struct {
	Error      errorBody `json:"error"`
	RequestID  string    `json:"requestId,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
}

// handleToken exchanges an API key for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	sourceIP := s.clientIP.Resolve(r)

	var req tokenRequest
	if err := s.decode(w, r, &req); err != nil {
		s.reject(w, r, dispatch.EnvelopeRejection{
			ToolName: dispatch.ExchangeToolName,
			SourceIP: sourceIP,
			Cause:    err,
		})
		return
	}

	resp := s.dispatcher.Exchange(r.Context(), dispatch.ExchangeRequest{
		RequestID: requestIDFrom(r.Context()),
		APIKey:    req.APIKey,
		SourceIP:  sourceIP,
	})
	if resp.Err != nil {
		s.sendDispatchError(w, r, resp.Err)
		return
	}

	s.sendJSON(w, http.StatusOK, tokenResponse{
		Token:     resp.Token.Value,
		TokenType: "Bearer",
		ExpiresAt: resp.Token.ExpiresAt,
		Scope:     resp.Token.Scope,
	})
}

// handleExecute authenticates the caller and runs one tool.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	principal, authErr := s.authn.Authenticate(r)
	if principal == nil && authErr == nil {
		authErr = auth.ErrMissingCredentials
	}

	var req executeRequest
	err := s.decode(w, r, &req)
	if err == nil && req.ToolName == "" {
		err = dispatch.ErrMissingToolName
	}
	if err != nil {
		s.reject(w, r, dispatch.EnvelopeRejection{
			ToolName:  req.ToolName,
			Principal: principal,
			AuthErr:   authErr,
			Cause:     err,
		})
		return
	}

	resp := s.dispatcher.Execute(r.Context(), dispatch.Request{
		RequestID:  requestIDFrom(r.Context()),
		Principal:  principal,
		AuthErr:    authErr,
		ToolName:   req.ToolName,
		Parameters: req.Parameters,
	})
	if resp.Err != nil {
		s.sendDispatchError(w, r, resp.Err)
		return
	}

	if rl := resp.RateLimit; rl != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	}
	s.sendJSON(w, http.StatusOK, executeResponse{RequestID: resp.RequestID, Result: resp.Result})
}

// handleTools lists the tools visible to the caller.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	principal, authErr := s.authn.Authenticate(r)

	resp := s.dispatcher.ListTools(r.Context(), dispatch.ListRequest{
		RequestID: requestIDFrom(r.Context()),
		Principal: principal,
		AuthErr:   authErr,
	})
	if resp.Err != nil {
		s.sendDispatchError(w, r, resp.Err)
		return
	}
	s.sendJSON(w, http.StatusOK, toolsResponse{Tools: resp.Tools})
}

// decode reads a single JSON object, rejecting unknown envelope fields.
// Numbers are kept as json.Number so integer parameters survive intact.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return dispatch.ErrBodyTooLarge
		}
		return fmt.Errorf("%w: %v", dispatch.ErrMalformedEnvelope, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", dispatch.ErrMalformedEnvelope)
	}
	return nil
}

// reject hands an unusable envelope to the dispatcher so it is audited like
// any other refused request.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, rej dispatch.EnvelopeRejection) {
	rej.RequestID = requestIDFrom(r.Context())
	resp := s.dispatcher.RejectEnvelope(r.Context(), rej)
	s.sendDispatchError(w, r, resp.Err)
}

func (s *Server) sendDispatchError(w http.ResponseWriter, r *http.Request, derr *dispatch.Error) {
	retryAfter := 0
	if derr.Kind == dispatch.KindRateLimit {
		retryAfter = int((derr.RetryAfter + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	if derr.Kind == dispatch.KindAuthentication {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate"`)
	}
	s.sendError(w, r, derr.Status, string(derr.Kind), derr.Message, derr.Fields, retryAfter)
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, fields []validate.Violation, retryAfter int) {
	s.sendJSON(w, status, errorResponse{
		Error:      errorBody{Code: code, Message: message, Fields: fields},
		RequestID:  requestIDFrom(r.Context()),
		RetryAfter: retryAfter,
	})
}

// sendJSON writes v with the given status.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}
