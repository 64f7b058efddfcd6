package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/api"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/config"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testResponse struct {
	status int
	body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]testResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if resp.status != 0 {
				w.WriteHeader(resp.status)
			}
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL + "/admin",
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points CLI commands at ts and captures their stdout.
func useServer(t *testing.T, ts *testServer) *bytes.Buffer {
	t.Helper()
	oldClient, oldStdout := newAPIClient, stdout
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() {
		newAPIClient = oldClient
		stdout = oldStdout
	})
	return &buf
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func requestBody(t *testing.T, r recordedRequest) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v (%q)", err, r.Body)
	}
	return body
}

func TestCookiesAdd(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /admin/credentials": {status: 201, body: `{"id":"c-1","name":"main","active":true}`},
	})
	useServer(t, ts)

	if err := execute(t, "cookies", "add", "user::secret", "--name", "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	body := requestBody(t, r)
	if body["value"] != "user::secret" || body["name"] != "main" || body["active"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestCookiesImport_SkipsDuplicates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":{"message":"credential already exists","type":"conflict"}}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()
	ts := &testServer{server: srv}
	useServer(t, ts)

	path := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(path, []byte("# pool\na\nb\n\nc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := execute(t, "cookies", "import", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCookiesList(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"GET /admin/credentials": {body: `[{"id":"c-1","name":"main","value":"user********","active":true,"description":"Migrated from environment variables"}]`},
	})
	out := useServer(t, ts)

	if err := execute(t, "cookies", "list"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.String()
	for _, want := range []string{"ID", "c-1", "main", "user********", "yes"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestTokensCreate(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /admin/tokens": {status: 201, body: `{"id":"t-1","name":"ci","value":"deadbeef"}`},
	})
	out := useServer(t, ts)

	if err := execute(t, "tokens", "create", "ci", "--no-rate-limit", "--premium", "--expires", "24h"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.String()) != "deadbeef" {
		t.Errorf("stdout = %q, want the token value", out.String())
	}

	body := requestBody(t, ts.requests[0])
	if body["name"] != "ci" || body["rate_limit"] != false || body["premium"] != true || body["queue_priority"] != false {
		t.Errorf("body = %v", body)
	}
	exp, ok := body["expires_at"].(string)
	if !ok {
		t.Fatalf("expires_at missing: %v", body)
	}
	at, err := time.Parse(time.RFC3339, exp)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(at); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("expires_at %v is not ~24h ahead", at)
	}
}

func TestTokensCreate_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /admin/tokens": {status: 400, body: `{"error":{"message":"name is required","type":"invalid_request_error"}}`},
	})
	useServer(t, ts)

	err := execute(t, "tokens", "create", "x")
	if err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Errorf("err = %v, want the server's message", err)
	}
}

func TestTokenUpdateFromFlags(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		args []string
		want map[string]any
	}{
		{"nothing", nil, map[string]any{}},
		{"clear expiration", []string{"--expires", "never"}, map[string]any{"clear_expiration": true}},
		{"duration", []string{"--expires", "1h"}, map[string]any{"expires_at": now.Add(time.Hour)}},
		{"flags", []string{"--rate-limit=false", "--premium"}, map[string]any{"rate_limit_enabled": false, "premium": true}},
		{"rename", []string{"--name", "prod"}, map[string]any{"name": "prod"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			addTokenUpdateFlags(cmd)
			if err := cmd.Flags().Parse(tt.args); err != nil {
				t.Fatal(err)
			}
			got, err := tokenUpdateFromFlags(cmd, now)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestParseExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := parseExpiry("720h", now)
	if err != nil || !got.Equal(now.Add(720*time.Hour)) {
		t.Errorf("720h = %v, %v", got, err)
	}
	got, err = parseExpiry("2025-06-01T12:00:00+02:00", now)
	if err != nil || !got.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("RFC 3339 = %v, %v", got, err)
	}
	for _, bad := range []string{"-1h", "tomorrow", ""} {
		if _, err := parseExpiry(bad, now); err == nil {
			t.Errorf("parseExpiry(%q) should fail", bad)
		}
	}
}

func TestParseRuleFile(t *testing.T) {
	valid := `
rules:
  - pattern: "free requests limit"
    description: Cursor free requests limit message
    classification: free-limit
  - pattern: "unauthorized request"
`
	seeds, err := parseRuleFile([]byte(valid))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seeds) != 2 || seeds[0].Classification != "free-limit" || seeds[1].Pattern != "unauthorized request" {
		t.Errorf("seeds = %+v", seeds)
	}

	bad := map[string]string{
		"empty":          ``,
		"no rules":       "rules: []\n",
		"bad pattern":    "rules:\n  - pattern: \"(unclosed\"\n",
		"missing":        "rules:\n  - description: x\n",
		"unknown class":  "rules:\n  - pattern: x\n    classification: sometimes\n",
		"unknown field":  "rules:\n  - pattern: x\n    regex: y\n",
		"not yaml rules": "pattern: x\n",
	}
	for name, data := range bad {
		if _, err := parseRuleFile([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRulesImport(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /admin/error-rules": {status: 201, body: `{"id":"r"}`},
	})
	useServer(t, ts)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := "rules:\n  - pattern: a\n  - pattern: b\n    classification: unauthorized\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := execute(t, "rules", "import", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(ts.requests))
	}
	body := requestBody(t, ts.requests[1])
	if body["pattern"] != "b" || body["classification"] != "unauthorized" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusCommand(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"GET /health":                   {body: `{"status":"ok"}`},
		"GET /admin/credentials/status": {body: `{"total":3,"active":2,"in_rotation":2}`},
		"GET /admin/queue/status":       {body: `{"active":true,"length":4,"wait_time_ms":60000,"active_requests":10,"threshold":10}`},
	})
	out := useServer(t, ts)
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	if err := execute(t, "status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.String()
	for _, want := range []string{"3 total, 2 active", "10/10 active", "4 waiting", "1m0s"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestClientNotReachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := &apiClient{baseURL: url + "/admin", token: "t", httpClient: http.DefaultClient}
	_, err := c.get(context.Background(), "/tokens")
	if err == nil {
		t.Fatal("expected error for stopped gateway")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeStream(t *testing.T) {
	var body []byte
	for _, seg := range []wire.Segment{{Thinking: "plan"}, {Thinking: " more"}, {Text: "answer"}} {
		f, err := wire.ResponseFrame(seg, false)
		if err != nil {
			t.Fatal(err)
		}
		body = append(body, f...)
	}

	var buf bytes.Buffer
	if err := decodeStream(body, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "<thinking>\nplan more\n</thinking>\nanswer\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 3010},
		Storage:   config.StorageConfig{DataDir: ":memory:"},
		Upstream:  config.UpstreamConfig{BaseURL: "http://127.0.0.1:1"},
		Rotation:  config.RotationConfig{Interval: time.Hour},
		RateLimit: config.RateLimitConfig{Limit: 3, Window: time.Minute, Penalty: 5 * time.Minute},
		Admission: config.AdmissionConfig{Threshold: 10, NormalWait: time.Minute},
		Retry:     config.RetryConfig{MaxAttempts: 20},
		Metrics:   config.MetricsConfig{Enabled: true},
		Auth:      config.AuthConfig{Cookies: []string{"cookie-a", "cookie-b"}},
	}
}

func TestBuildGateway_Routes(t *testing.T) {
	g, err := buildGateway(testConfig(t), nil)
	if err != nil {
		t.Fatalf("buildGateway: %v", err)
	}
	defer g.store.Close()

	creds, err := g.store.ListCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 2 || creds[0].Description != migratedCookieMsg {
		t.Errorf("migrated credentials = %+v", creds)
	}

	h := g.routes("admin-secret", nil)
	tests := []struct {
		method, path, header, value string
		want                        int
	}{
		{http.MethodGet, "/health", "", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", "", http.StatusOK},
		{http.MethodGet, "/admin/credentials", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/admin/credentials", "Authorization", "Bearer admin-secret", http.StatusOK},
		{http.MethodGet, "/v1/models", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/v1/models", api.TokenHeader, "unknown", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		if tt.header != "" {
			req.Header.Set(tt.header, tt.value)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("%s %s (%s): status = %d, want %d", tt.method, tt.path, tt.value, rr.Code, tt.want)
		}
	}
}

func TestBuildGateway_MigrationIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	g, err := buildGateway(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.store.Close()

	n, err := g.store.ImportCredentials(cfg.Auth.Cookies, migratedCookieMsg)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("re-import added %d, want 0", n)
	}
}

func TestGatewayBackground_WatchFileAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Cookies = nil
	cfg.Credentials.WatchFile = filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(cfg.Credentials.WatchFile, []byte("w1\nw2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	g, err := buildGateway(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	if err := g.background(ctx, eg, nil); err != nil {
		t.Fatalf("background: %v", err)
	}

	creds, err := g.store.ListActiveCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 2 {
		t.Errorf("credentials after initial load = %d, want 2", len(creds))
	}

	if !g.usage.Record("token-id", "10.0.0.1") {
		t.Error("usage event rejected")
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("background jobs returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("background jobs did not stop")
	}
}

func TestGatewayBackground_InvalidInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rotation.Interval = 0
	g, err := buildGateway(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.store.Close()

	var eg errgroup.Group
	if err := g.background(context.Background(), &eg, nil); err == nil {
		t.Error("expected error for zero rotation interval")
	}
}
