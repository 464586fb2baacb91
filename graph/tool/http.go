package tool

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultHTTPTimeout applies when the request sets no timeout.
	DefaultHTTPTimeout = 30 * time.Second
	// MaxResponseBytes caps how much of a response body is read.
	MaxResponseBytes = 10 << 20
	maxRetries       = 5
)

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// Auth configures request authentication. Type is one of "none", "bearer",
// "basic" or "apiKey".
type Auth struct {
	Type     string
	Token    string
	Username string
	Password string
	Key      string
	Value    string
	// In places an apiKey in the "header" (default) or the "query".
	In string
}

// Request is a fully resolved HTTP call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	// Body is sent as-is when it is a string or []byte and as JSON otherwise.
	Body    any
	Auth    *Auth
	Timeout time.Duration
	// Retries is the number of extra attempts made on transport errors, 429
	// and 5xx responses.
	Retries int
}

// Response is the decoded result of a Request. Body holds parsed JSON when
// the response is JSON, and text otherwise.
type Response struct {
	StatusCode int
	Headers    map[string]interface{}
	Body       any
}

// HTTPTool performs the requests made by HTTP nodes and fetches remote
// files for media nodes.
//
//	h := tool.NewHTTPTool()
//	out, err := h.Call(ctx, map[string]interface{}{
//	    "method": "POST",
//	    "url":    "https://api.example.com/items",
//	    "body":   map[string]interface{}{"name": "widget"},
//	    "auth":   map[string]interface{}{"type": "bearer", "token": tok},
//	})
type HTTPTool struct {
	client  *http.Client
	backoff time.Duration
}

// NewHTTPTool creates an HTTPTool. A nil client uses a default client; per
// request timeouts are applied through the context.
func NewHTTPTool(client ...*http.Client) *HTTPTool {
	h := &HTTPTool{client: &http.Client{}, backoff: 250 * time.Millisecond}
	if len(client) > 0 && client[0] != nil {
		h.client = client[0]
	}
	return h
}

func (h *HTTPTool) Name() string {
	return "http_request"
}

// Call decodes an HTTP node config and performs the request. The output is
// {statusCode, headers, body}.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	req, err := requestFromInput(input)
	if err != nil {
		return nil, err
	}
	resp, err := h.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"statusCode": resp.StatusCode,
		"headers":    resp.Headers,
		"body":       resp.Body,
	}, nil
}

func requestFromInput(input map[string]interface{}) (Request, error) {
	req := Request{
		Method:  strings.ToUpper(stringArg(input, "method")),
		URL:     stringArg(input, "url"),
		Headers: stringMap(mapArg(input, "headers")),
		Query:   stringMap(mapArg(input, "queryParams")),
		Body:    input["body"],
		Retries: intArg(input, "retries"),
	}
	if req.URL == "" {
		return Request{}, errors.New("url parameter required (string)")
	}
	if ms := intArg(input, "timeout"); ms > 0 {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	if a := mapArg(input, "auth"); a != nil {
		req.Auth = &Auth{
			Type:     stringArg(a, "type"),
			Token:    stringArg(a, "token"),
			Username: stringArg(a, "username"),
			Password: stringArg(a, "password"),
			Key:      stringArg(a, "key"),
			Value:    stringArg(a, "value"),
			In:       stringArg(a, "in"),
		}
	}
	return req, nil
}

func stringMap(m map[string]interface{}) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// Do performs req with retries. Non-2xx responses that are not retried, or
// that are still failing after the last attempt, return a *StatusError.
func (h *HTTPTool) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead, http.MethodOptions:
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	target, err := buildURL(req)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	retries := req.Retries
	if retries > maxRetries {
		retries = maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := h.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := h.once(ctx, method, target, body, contentType, req, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return nil, lastErr
}

func (h *HTTPTool) once(ctx context.Context, method, target string, body []byte, contentType string, req Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	applyAuth(httpReq, req.Auth)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = values
		}
	}
	return &Response{StatusCode: resp.StatusCode, Headers: headers, Body: decodeBody(raw, resp.Header.Get("Content-Type"))}, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

func buildURL(req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid url %q: scheme must be http or https", req.URL)
	}
	q := u.Query()
	for k, v := range req.Query {
		q.Set(k, v)
	}
	if a := req.Auth; a != nil && a.Type == "apiKey" && strings.EqualFold(a.In, "query") {
		q.Set(a.Key, a.Value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func applyAuth(r *http.Request, a *Auth) {
	if a == nil {
		return
	}
	switch a.Type {
	case "bearer":
		r.Header.Set("Authorization", "Bearer "+a.Token)
	case "basic":
		r.SetBasicAuth(a.Username, a.Password)
	case "apiKey":
		if !strings.EqualFold(a.In, "query") && a.Key != "" {
			r.Header.Set(a.Key, a.Value)
		}
	}
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		if json.Valid([]byte(b)) {
			return []byte(b), "application/json", nil
		}
		return []byte(b), "text/plain; charset=utf-8", nil
	case []byte:
		return b, "application/octet-stream", nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return data, "application/json", nil
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return ""
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// File is a remote file fetched for a media node.
type File struct {
	Name     string
	MimeType string
	Size     int
	Data     []byte
}

// Text reports whether the file is textual and can be exposed as content.
func (f File) Text() bool {
	mt := f.MimeType
	return strings.HasPrefix(mt, "text/") || strings.Contains(mt, "json") ||
		strings.Contains(mt, "xml") || strings.Contains(mt, "csv") || strings.Contains(mt, "yaml")
}

// Base64 returns the file data base64 encoded.
func (f File) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// Fetch downloads rawURL, refusing bodies larger than limit bytes.
func (h *HTTPTool) Fetch(ctx context.Context, rawURL string, limit int64) (File, error) {
	if limit <= 0 {
		limit = MaxResponseBytes
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return File{}, fmt.Errorf("invalid file url %q", rawURL)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return File{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return File{}, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return File{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if int64(len(data)) > limit {
		return File{}, fmt.Errorf("fetch %s: file exceeds %d bytes", rawURL, limit)
	}

	mt := resp.Header.Get("Content-Type")
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	name := u.Path
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return File{Name: name, MimeType: mt, Size: len(data), Data: data}, nil
}
