package flow

import (
	"context"
	"encoding/base64"
	"testing"
)

// stubCaller records the calls it receives and replays a canned
// response.
type stubCaller struct {
	calls []HTTPCall
	resp  *HTTPResponse
	err   error
}

func (s *stubCaller) Call(ctx context.Context, call HTTPCall) (*HTTPResponse, error) {
	s.calls = append(s.calls, call)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func httpGraph(t *testing.T, mode string) *Graph {
	t.Helper()
	text := `
document:
  name: http
  version: '1.0'
do:
  - fetch:
      call: http
      with:
        method: get
        endpoint: 'https://api.example.com/items'
        headers:
          Accept: application/json
        query:
          limit: '10'
        output: ` + mode + "\n"
	return mustCompile(t, text)
}

func TestCallHTTPContentMode(t *testing.T) {
	stub := &stubCaller{resp: &HTTPResponse{
		StatusCode: 200,
		Headers:    map[string]any{"Content-Type": "application/json"},
		Body:       []byte(`{"ok":true,"count":3}`),
	}}
	g := httpGraph(t, "content")
	r := NewRun(g, "inst-1", map[string]any{}, Options{HTTP: stub})
	res := stepOnce(t, r)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, error = %v", res.Status, res.Error)
	}
	jsonEq(t, res.Output, map[string]any{"ok": true, "count": 3})

	if len(stub.calls) != 1 {
		t.Fatalf("calls = %d", len(stub.calls))
	}
	call := stub.calls[0]
	if call.Method != "GET" || call.URI != "https://api.example.com/items" {
		t.Errorf("call = %+v", call)
	}
	if call.Headers["Accept"] != "application/json" {
		t.Errorf("headers = %v", call.Headers)
	}
	if call.Query["limit"] != "10" {
		t.Errorf("query = %v", call.Query)
	}
}

func TestCallHTTPRawMode(t *testing.T) {
	body := []byte("binary payload")
	stub := &stubCaller{resp: &HTTPResponse{StatusCode: 200, Body: body}}
	g := httpGraph(t, "raw")
	r := NewRun(g, "inst-1", map[string]any{}, Options{HTTP: stub})
	res := stepOnce(t, r)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, error = %v", res.Status, res.Error)
	}
	jsonEq(t, res.Output, base64.StdEncoding.EncodeToString(body))
}

func TestCallHTTPResponseMode(t *testing.T) {
	stub := &stubCaller{resp: &HTTPResponse{
		StatusCode: 201,
		Headers:    map[string]any{"Content-Type": "application/json"},
		Body:       []byte(`{"id":"n-1"}`),
	}}
	g := httpGraph(t, "response")
	r := NewRun(g, "inst-1", map[string]any{}, Options{HTTP: stub})
	res := stepOnce(t, r)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, error = %v", res.Status, res.Error)
	}
	out, ok := res.Output.(map[string]any)
	if !ok {
		t.Fatalf("output = %T", res.Output)
	}
	if out["statusCode"] != 201 {
		t.Errorf("statusCode = %v", out["statusCode"])
	}
	jsonEq(t, out["content"], map[string]any{"id": "n-1"})
	req, ok := out["request"].(map[string]any)
	if !ok || req["method"] != "GET" || req["uri"] != "https://api.example.com/items" {
		t.Errorf("request = %v", out["request"])
	}
}

func TestCallHTTPNonSuccessFaults(t *testing.T) {
	stub := &stubCaller{resp: &HTTPResponse{StatusCode: 503, Body: []byte("unavailable")}}
	g := httpGraph(t, "content")
	r := NewRun(g, "inst-1", map[string]any{}, Options{HTTP: stub})
	res := stepOnce(t, r)
	if res.Status != StatusFaulted {
		t.Fatalf("status = %s, want faulted", res.Status)
	}
	if res.Error.Type != ErrTypeCommunication || res.Error.Status != 503 {
		t.Errorf("error = %+v", res.Error)
	}
}

func TestCallHTTPRedirectAccepted(t *testing.T) {
	g := mustCompile(t, `
document:
  name: http
  version: '1.0'
do:
  - fetch:
      call: http
      with:
        method: get
        endpoint: 'https://api.example.com/old'
        redirect: true
`)
	stub := &stubCaller{resp: &HTTPResponse{StatusCode: 302}}
	r := NewRun(g, "inst-1", map[string]any{}, Options{HTTP: stub})
	res := stepOnce(t, r)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, error = %v", res.Status, res.Error)
	}
}

func TestCallHTTPEvaluatesWith(t *testing.T) {
	g := mustCompile(t, `
document:
  name: http
  version: '1.0'
do:
  - create:
      call: http
      with:
        method: post
        endpoint: '${ "https://api.example.com/items/" + .id }'
        body:
          name: '${ .name }'
`)
	stub := &stubCaller{resp: &HTTPResponse{StatusCode: 200}}
	r := NewRun(g, "inst-1", map[string]any{"id": "i-9", "name": "widget"}, Options{HTTP: stub})
	res := stepOnce(t, r)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, error = %v", res.Status, res.Error)
	}
	call := stub.calls[0]
	if call.Method != "POST" || call.URI != "https://api.example.com/items/i-9" {
		t.Errorf("call = %+v", call)
	}
	jsonEq(t, call.Body, map[string]any{"name": "widget"})
}

func TestCallHTTPStructuredEndpoint(t *testing.T) {
	with := map[string]any{
		"method": "get",
		"endpoint": map[string]any{
			"uri": "https://api.example.com/x",
			"authentication": map[string]any{
				"bearer": map[string]any{"token": "tok-1"},
			},
		},
	}
	call, mode, err := buildHTTPCall(with, RootPosition())
	if err != nil {
		t.Fatal(err)
	}
	if call.URI != "https://api.example.com/x" {
		t.Errorf("uri = %q", call.URI)
	}
	if call.Auth == nil || call.Auth.Bearer == nil || call.Auth.Bearer.Token != "tok-1" {
		t.Errorf("auth = %+v", call.Auth)
	}
	if mode != "" {
		t.Errorf("mode = %q", mode)
	}
}

func TestDecodeHTTPContent(t *testing.T) {
	tests := []struct {
		name string
		resp *HTTPResponse
		want any
	}{
		{name: "empty body", resp: &HTTPResponse{}, want: nil},
		{name: "json by header", resp: &HTTPResponse{Headers: map[string]any{"Content-Type": "application/json"}, Body: []byte(`{"a":1}`)}, want: map[string]any{"a": 1.0}},
		{name: "json by shape", resp: &HTTPResponse{Body: []byte(`[1,2]`)}, want: []any{1.0, 2.0}},
		{name: "plain text", resp: &HTTPResponse{Body: []byte("hello")}, want: "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonEq(t, decodeHTTPContent(tt.resp), tt.want)
		})
	}
}
