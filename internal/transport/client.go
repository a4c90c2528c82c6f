// Package transport is the HTTP boundary action modules talk to. It issues
// one JSON request per call, carrying the session's CSRF credential, and
// maps the response onto a raw JSON body, ErrUnauthenticated or a
// RequestError.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultHTTPTimeout        = 60 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTLSTimeout     = 5 * time.Second

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// CSRFHeader is the header carrying the session credential.
const CSRFHeader = "Csrf-Token"

// Request describes one call against the backend.
type Request struct {
	Method string

	// Path is relative to the base URL and already escaped: segments taken
	// from record ids go through url.PathEscape exactly once.
	Path string

	Query  url.Values
	Body   any
}

// Requester performs requests. Client is the production implementation;
// tests substitute their own.
type Requester interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

// RequesterFunc adapts a function to the Requester interface.
type RequesterFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Do implements Requester.
func (f RequesterFunc) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. https://console.example.com
	BaseURL string

	// CSRFToken is obtained from the session bootstrap step
	CSRFToken string

	// HTTPClient overrides the default client (default: 60s timeout,
	// 5s connect and TLS handshake timeouts)
	HTTPClient *http.Client

	// Logger for request activity (default: stderr logger)
	Logger *log.Logger
}

// Client is an HTTP Requester.
type Client struct {
	base      *url.URL
	csrfToken atomic.Pointer[string]
	http      *http.Client
	logger    *log.Logger
}

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHTTPTimeout,
	}
}

// NewClient creates a Client.
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = defaultClient()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	c := &Client{
		base:   base,
		http:   httpClient,
		logger: logger,
	}
	c.SetCSRFToken(config.CSRFToken)
	return c, nil
}

// SetCSRFToken replaces the credential attached to later requests. It is
// safe to call while requests are in flight.
func (c *Client) SetCSRFToken(token string) {
	c.csrfToken.Store(&token)
}

// Do implements Requester.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	rel := strings.TrimLeft(req.Path, "/")
	decoded, err := url.PathUnescape(rel)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", req.Path, err)
	}
	u := *c.base
	u.Path = c.base.Path + "/" + decoded
	u.RawPath = c.base.EscapedPath() + "/" + rel
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token := *c.csrfToken.Load(); token != "" {
		httpReq.Header.Set(CSRFHeader, token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestError{
			Method:  method,
			Path:    req.Path,
			Status:  resp.StatusCode,
			Message: errorMessage(data),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: response is not valid JSON", method, req.Path)
	}
	return json.RawMessage(data), nil
}

// errorMessage extracts the backend's message from an error body.
func errorMessage(data []byte) string {
	var body struct {
		ErrorMsg string `json:"error_msg"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.ErrorMsg != "" {
		return body.ErrorMsg
	}
	return body.Message
}
