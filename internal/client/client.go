// ABOUTME: HTTP client for the mcpgate API: token exchange, tool listing, and execution
// ABOUTME: Caches the bearer token and retries rate-limited calls after Retry-After

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/assessor-labs/mcpgate/internal/scope"
)

// DefaultMaxTries bounds attempts for a single call, including the first.
const DefaultMaxTries = 3

// tokenSkew refreshes cached tokens slightly before they expire.
const tokenSkew = 30 * time.Second

// Client talks to one gateway with one API key.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	maxTries uint

	mu    sync.Mutex
	token *Token
	now   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxTries sets the attempt budget for rate-limited or unavailable responses.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// New creates a client for the gateway at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     http.DefaultClient,
		maxTries: DefaultMaxTries,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token is a bearer token issued by /api/auth/token.
type Token struct {
	Token     string      `json:"token"`
	TokenType string      `json:"tokenType"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Scope     scope.Scope `json:"scope"`
}

// Tool describes a tool visible to the caller.
type Tool struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	RequiredPermission scope.Scope     `json:"requiredPermission"`
	Parameters         json.RawMessage `json:"parameters"`
}

// Execution is the successful result of a tool call.
type Execution struct {
	RequestID string         `json:"requestId"`
	Result    map[string]any `json:"result"`
}

// FieldError is one rejected parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     []FieldError
	RequestID  string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("mcpgate: %d %s: %s", e.StatusCode, e.Code, e.Message)
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.Field + ": " + f.Message
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.RequestID != "" {
		msg += " [request " + e.RequestID + "]"
	}
	return msg
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Exchange trades the API key for a bearer token and caches it.
func (c *Client) Exchange(ctx context.Context) (*Token, error) {
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", map[string]string{"apiKey": c.apiKey}, "", &tok); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = &tok
	c.mu.Unlock()
	return &tok, nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	if tok != nil && c.now().Add(tokenSkew).Before(tok.ExpiresAt) {
		return tok.Token, nil
	}
	tok, err := c.Exchange(ctx)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

func (c *Client) forgetToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// authed runs call with a bearer token, re-exchanging once if the gateway
// rejects a cached token (for example after a secret rotation).
func (c *Client) authed(ctx context.Context, call func(bearer string) error) error {
	bearer, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	err = call(bearer)
	if !IsStatus(err, http.StatusUnauthorized) {
		return err
	}

	c.forgetToken()
	bearer, err = c.bearer(ctx)
	if err != nil {
		return err
	}
	return call(bearer)
}

// ListTools returns the tools the key's scope can invoke.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var resp struct {
		Tools []Tool `json:"tools"`
	}
	err := c.authed(ctx, func(bearer string) error {
		return c.do(ctx, http.MethodGet, "/api/mcp/tools", nil, bearer, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// Execute invokes a tool with the given parameters.
func (c *Client) Execute(ctx context.Context, toolName string, params map[string]any) (*Execution, error) {
	if params == nil {
		params = map[string]any{}
	}
	body := map[string]any{"toolName": toolName, "parameters": params}

	var exec Execution
	err := c.authed(ctx, func(bearer string) error {
		return c.do(ctx, http.MethodPost, "/api/mcp/execute", body, bearer, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, bearer string, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	// last keeps the gateway's own error so exhausted retries report it
	// rather than the retry sentinels.
	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.once(ctx, method, path, payload, bearer, out)
		last = err
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			if err != nil && ctx.Err() == nil {
				// Transport errors are retried; the request may not have arrived.
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			secs := int(apiErr.RetryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			return struct{}{}, backoff.RetryAfter(secs)
		case http.StatusServiceUnavailable:
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err == nil {
		return nil
	}
	var ra *backoff.RetryAfterError
	var perm *backoff.PermanentError
	if (errors.As(err, &ra) || errors.As(err, &perm)) && last != nil {
		return last
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, bearer string, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var errResp struct {
		Error struct {
			Code    string       `json:"code"`
			Message string       `json:"message"`
			Fields  []FieldError `json:"fields"`
		} `json:"error"`
		RequestID  string `json:"requestId"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	apiErr.Code = errResp.Error.Code
	apiErr.Message = errResp.Error.Message
	apiErr.Fields = errResp.Error.Fields
	apiErr.RequestID = errResp.RequestID
	if apiErr.RetryAfter == 0 && errResp.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(errResp.RetryAfter) * time.Second
	}
	return apiErr
}
