package flow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPCall is the resolved request a call:http task asks the caller to
// perform. All expression evaluation has already happened.
type HTTPCall struct {
	Method  string
	URI     string
	Headers map[string]string
	Query   map[string]string
	Body    any
	Auth    *AuthSpec

	// Redirect accepts 3xx responses as success instead of failing.
	Redirect bool
}

// HTTPResponse is the raw outcome of an HTTPCall.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]any
	Body       []byte
}

// HTTPCaller executes resolved HTTP calls. The production implementation
// is HTTPExecutor; tests substitute a stub.
type HTTPCaller interface {
	Call(ctx context.Context, call HTTPCall) (*HTTPResponse, error)
}

// HTTPExecutor performs HTTP calls with net/http, applying the call's
// authentication policy before dispatch.
type HTTPExecutor struct {
	client  *http.Client
	secrets map[string]any
}

// NewHTTPExecutor creates an executor. A nil client selects a default
// with a 30 second timeout; secrets back named authentication policies.
func NewHTTPExecutor(client *http.Client, secrets map[string]any) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExecutor{client: client, secrets: secrets}
}

// Call implements HTTPCaller.
func (e *HTTPExecutor) Call(ctx context.Context, call HTTPCall) (*HTTPResponse, error) {
	uri := call.URI
	if len(call.Query) > 0 {
		q := url.Values{}
		for k, v := range call.Query {
			q.Set(k, v)
		}
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}
		uri = uri + sep + q.Encode()
	}

	body, contentType, err := encodeHTTPBody(call.Body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	if call.Auth != nil {
		if err := e.applyAuth(ctx, req, call.Auth); err != nil {
			return nil, err
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// Digest is challenge based: replay with the Authorization header
	// computed from the 401 challenge.
	if resp.StatusCode == http.StatusUnauthorized && call.Auth != nil && call.Auth.Digest != nil {
		challenge := resp.Header.Get("WWW-Authenticate")
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		auth, derr := digestAuthorization(call.Auth.Digest, call.Method, req.URL.RequestURI(), challenge)
		if derr != nil {
			return nil, derr
		}
		body, _, _ := encodeHTTPBody(call.Body)
		retry, rerr := http.NewRequestWithContext(ctx, call.Method, uri, body)
		if rerr != nil {
			return nil, rerr
		}
		retry.Header = req.Header.Clone()
		retry.Header.Set("Authorization", auth)
		resp, err = e.client.Do(retry)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	headers := make(map[string]any, len(resp.Header))
	for k, values := range resp.Header {
		if len(values) == 1 {
			headers[k] = values[0]
		} else {
			headers[k] = values
		}
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: respBody}, nil
}

func encodeHTTPBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// execCallHTTP resolves the with block, performs the call, and shapes
// the raw output according to the output mode (content, raw, response).
func (r *Run) execCallHTTP(ctx context.Context, node *Node, st *NodeState) (stepOutcome, error) {
	if st.HasRawOutput() {
		return outcomeCompleted, nil
	}
	input := deref(st.TransformedInput)
	vars := r.scopeVars(node, st)

	resolved, err := r.eval(node, node.Task.With, input, vars)
	if err != nil {
		return stepOutcome{}, err
	}
	with, ok := resolved.(map[string]any)
	if !ok {
		return stepOutcome{}, NewConfigurationError(fmt.Sprintf("%s: call.with must be an object", node.Position))
	}

	call, mode, err := buildHTTPCall(with, node.Position)
	if err != nil {
		return stepOutcome{}, err
	}
	resp, err := r.opts.HTTP.Call(ctx, *call)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stepOutcome{}, NewTimeoutError(fmt.Sprintf("%s: %v", node.Position, err)).WithSource(node.Position)
		}
		return stepOutcome{}, NewCommunicationError(0, fmt.Sprintf("%s %s: %v", call.Method, call.URI, err), err).WithSource(node.Position)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if call.Redirect {
		success = success || (resp.StatusCode >= 300 && resp.StatusCode < 400)
	}
	if !success {
		return stepOutcome{}, NewCommunicationError(resp.StatusCode,
			fmt.Sprintf("%s %s: status %d: %s", call.Method, call.URI, resp.StatusCode, truncate(string(resp.Body), 512)), nil).WithSource(node.Position)
	}

	switch mode {
	case "", "content":
		st.SetRawOutput(decodeHTTPContent(resp))
	case "raw":
		st.SetRawOutput(base64.StdEncoding.EncodeToString(resp.Body))
	case "response":
		st.SetRawOutput(map[string]any{
			"request": map[string]any{
				"method":  call.Method,
				"uri":     call.URI,
				"headers": stringAnyMap(call.Headers),
			},
			"statusCode": resp.StatusCode,
			"headers":    resp.Headers,
			"content":    decodeHTTPContent(resp),
		})
	}
	return outcomeCompleted, nil
}

// buildHTTPCall converts the evaluated with block into an HTTPCall plus
// the output mode.
func buildHTTPCall(with map[string]any, pos Position) (*HTTPCall, string, error) {
	call := &HTTPCall{Method: "GET"}
	if m, ok := with["method"].(string); ok && m != "" {
		call.Method = strings.ToUpper(m)
	}

	var authRaw any = with["authentication"]
	switch ep := with["endpoint"].(type) {
	case string:
		call.URI = ep
	case map[string]any:
		call.URI, _ = ep["uri"].(string)
		if a, ok := ep["authentication"]; ok {
			authRaw = a
		}
	}
	if call.URI == "" {
		return nil, "", NewConfigurationError(fmt.Sprintf("%s: http call requires an endpoint", pos))
	}
	if authRaw != nil {
		auth, err := parseAuthSpec(authRaw, pos)
		if err != nil {
			return nil, "", err
		}
		call.Auth = auth
	}

	call.Headers = stringMap(with["headers"])
	call.Query = stringMap(with["query"])
	call.Body = with["body"]
	call.Redirect, _ = with["redirect"].(bool)

	mode, _ := with["output"].(string)
	return call, mode, nil
}

// decodeHTTPContent parses a JSON response body into structured data,
// falling back to the raw string for other content.
func decodeHTTPContent(resp *HTTPResponse) any {
	if len(resp.Body) == 0 {
		return nil
	}
	ct, _ := resp.Headers["Content-Type"].(string)
	if strings.Contains(ct, "json") || looksLikeJSON(resp.Body) {
		var v any
		if err := json.Unmarshal(resp.Body, &v); err == nil {
			return v
		}
	}
	return string(resp.Body)
}

func looksLikeJSON(b []byte) bool {
	t := bytes.TrimSpace(b)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch s := val.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}

func stringAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
