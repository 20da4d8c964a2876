// Package remote proxies tool calls to an HTTP tool server. Identity rides
// out-of-band: user and session as headers, the per-tool credential as a
// bearer token. The argument payload carries only the tool's own parameters
// plus the canonical keys the mediator merges in.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	ensemble "github.com/ensembleai/ensemble"
)

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"

	maxResponseSize = 1 << 20 // 1MB
)

// Endpoint serves tools hosted on a remote HTTP server.
//
// The server contract: GET {base}/tools returns the tool specs as a JSON
// array; POST {base}/tools/{name} with a JSON argument object returns the
// tool result as plain text.
type Endpoint struct {
	baseURL string
	client  *http.Client
	specs   []ensemble.ToolSpec
}

var _ ensemble.Endpoint = (*Endpoint)(nil)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithHTTPClient replaces the default 30-second client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Endpoint) { e.client = c }
}

// New creates an endpoint for a tool server whose specs are already known.
func New(baseURL string, specs []ensemble.ToolSpec, opts ...Option) *Endpoint {
	e := &Endpoint{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		specs:   specs,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Discover creates an endpoint and fetches the server's tool specs.
func Discover(ctx context.Context, baseURL string, opts ...Option) (*Endpoint, error) {
	e := New(baseURL, nil, opts...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("create discover request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&e.specs); err != nil {
		return nil, fmt.Errorf("decode tool specs: %w", err)
	}
	return e, nil
}

func (e *Endpoint) Specs() []ensemble.ToolSpec { return e.specs }

// Call forwards one invocation to the server. Transport and server failures
// surface as ErrHTTP so the mediator's transport retry applies.
func (e *Endpoint) Call(ctx context.Context, name string, args json.RawMessage, ic ensemble.InvocationContext) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/tools/"+url.PathEscape(name), bytes.NewReader(args))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ic.UserID != "" {
		req.Header.Set(headerUserID, ic.UserID)
	}
	if ic.SessionID != "" {
		req.Header.Set(headerSessionID, ic.SessionID)
	}
	if cred := ic.Credential(name); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Status 0 marks a connection-level failure as transport-shaped.
		return "", &ensemble.ErrHTTP{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", &ensemble.ErrHTTP{Status: 0, Body: "read response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ensemble.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: ensemble.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return string(body), nil
}

func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &ensemble.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: ensemble.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
