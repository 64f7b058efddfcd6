package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/admission"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/credpool"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/pipeline"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/ratelimit"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/retry"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/upstream"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/upstream/upstreamtest"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

type recordedUsage struct {
	mu     sync.Mutex
	events []string
}

func (u *recordedUsage) Record(tokenID, ip string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, tokenID+"@"+ip)
	return true
}

type testEnv struct {
	store    *storage.Store
	upstream *upstreamtest.Server
	usage    *recordedUsage
	handler  http.Handler
	token    storage.CallerToken
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestEnv wires the full /v1 stack against a fake vendor server. The
// store starts with one credential and one rate-limited caller token.
func newTestEnv(t *testing.T, reply func(upstreamtest.Call) upstreamtest.Reply, credentials ...string) *testEnv {
	t.Helper()
	store := openTestStore(t)
	for _, v := range credentials {
		if _, err := store.CreateCredential(storage.Credential{Value: v, Active: true}); err != nil {
			t.Fatalf("CreateCredential: %v", err)
		}
	}
	tok, err := store.CreateCallerToken(storage.CallerToken{Name: "test", RateLimitEnabled: true})
	if err != nil {
		t.Fatalf("CreateCallerToken: %v", err)
	}

	srv := upstreamtest.NewServer(reply)
	t.Cleanup(srv.Close)
	client, err := upstream.NewClient(upstream.Config{BaseURL: srv.URL, ReadTimeout: 5 * time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	usage := &recordedUsage{}
	p := pipeline.New(pipeline.Deps{
		Upstream: client,
		Pool:     credpool.New(store, nil, nil),
		Retry:    retry.NewEngine(store, 0, nil, nil),
	})
	h := NewOpenAIHandler(Deps{
		Pipeline: p,
		Tokens:   store,
		Usage:    usage,
		Limiter:  ratelimit.New(ratelimit.DefaultConfig(), nil, nil),
		Queue:    admission.New(admission.DefaultConfig(), nil, nil),
	})
	return &testEnv{store: store, upstream: srv, usage: usage, handler: h, token: tok}
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(TokenHeader, e.token.Value)
	for k, v := range header {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func textReply(s string) func(upstreamtest.Call) upstreamtest.Reply {
	return func(upstreamtest.Call) upstreamtest.Reply { return upstreamtest.Text(s) }
}

const chatBody = `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`

func TestHealth(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestCallerAuthRejections(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")
	past := time.Now().Add(-time.Hour)
	expired, err := env.store.CreateCallerToken(storage.CallerToken{Name: "old", ExpiresAt: &past})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"unknown", "not-a-token"},
		{"expired", expired.Value},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{TokenHeader: tc.token})
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), "authentication_error") {
				t.Errorf("body = %s", rr.Body.String())
			}
		})
	}
	if len(env.upstream.Calls()) != 0 {
		t.Error("rejected requests reached the upstream")
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	env := newTestEnv(t, func(upstreamtest.Call) upstreamtest.Reply {
		return upstreamtest.Reply{Segments: []wire.Segment{{Thinking: "plan"}, {Text: "Hello!"}}}
	}, "cred")

	rr := env.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "3" || rr.Header().Get("X-RateLimit-Remaining") != "2" {
		t.Errorf("rate limit headers = %v", rr.Header())
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("missing X-RateLimit-Reset")
	}

	var body struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage map[string]int `json:"usage"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Object != "chat.completion" || body.Model != "gpt-x" || len(body.Choices) != 1 {
		t.Fatalf("body = %+v", body)
	}
	if want := "<thinking>\nplan\n</thinking>\nHello!"; body.Choices[0].Message.Content != want {
		t.Errorf("content = %q, want %q", body.Choices[0].Message.Content, want)
	}
	if body.Usage["total_tokens"] != 0 {
		t.Errorf("usage = %v", body.Usage)
	}

	if len(env.usage.events) != 1 || !strings.HasPrefix(env.usage.events[0], env.token.ID+"@") {
		t.Errorf("usage events = %v", env.usage.events)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t, func(upstreamtest.Call) upstreamtest.Reply {
		return upstreamtest.Reply{Segments: []wire.Segment{{Text: "Hel"}, {Text: "lo"}}}
	}, "cred")

	body := `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}],"stream":true}`
	rr := env.do(http.MethodPost, "/v1/chat/completions", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}

	got := rr.Body.String()
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated with [DONE]: %q", got)
	}
	var content strings.Builder
	for _, line := range strings.Split(got, "\n\n") {
		data := strings.TrimPrefix(line, "data: ")
		if data == "" || data == "[DONE]" {
			continue
		}
		var c completionChunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		if c.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", c.Object)
		}
		content.WriteString(c.Choices[0].Delta.Content)
	}
	if content.String() != "Hello" {
		t.Errorf("content = %q", content.String())
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")
	rr := env.do(http.MethodPost, "/v1/chat/completions", "{invalid", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")
	rr := env.do(http.MethodPost, "/v1/chat/completions", `{"model":"test","messages":[]}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestChatCompletions_ContentParts(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")
	body := `{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url"},{"type":"text","text":"b"}]}]}`
	rr := env.do(http.MethodPost, "/v1/chat/completions", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := env.upstream.Calls()[0].Request.Messages[0].Content; got != "ab" {
		t.Errorf("upstream content = %q", got)
	}
}

func TestRateLimitRejectsFourthRequest(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")
	for i := 0; i < 3; i++ {
		if rr := env.do(http.MethodPost, "/v1/chat/completions", chatBody, nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rr.Code)
		}
	}
	rr := env.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "300" {
		t.Errorf("Retry-After = %q, want 300", rr.Header().Get("Retry-After"))
	}
	var body struct {
		Error struct {
			Type       string `json:"type"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Error.Type != "rate_limit_error" || body.Error.RetryAfter != 300 {
		t.Errorf("body = %+v", body)
	}
	if n := len(env.upstream.Calls()); n != 3 {
		t.Errorf("upstream calls = %d, want 3", n)
	}
}

func TestRateLimitDisabledToken(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")
	free, err := env.store.CreateCallerToken(storage.CallerToken{Name: "unlimited", RateLimitEnabled: false})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		rr := env.do(http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{TokenHeader: free.Value})
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Errorf("unexpected rate limit headers on exempt token")
		}
	}
}

func TestUpstreamStatusPassthrough(t *testing.T) {
	env := newTestEnv(t, func(upstreamtest.Call) upstreamtest.Reply {
		return upstreamtest.Reply{Status: http.StatusForbidden, Body: "forbidden region"}
	}, "cred")

	rr := env.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "forbidden region") {
		t.Errorf("body = %s", rr.Body.String())
	}

	stream := `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`
	rr = env.do(http.MethodPost, "/v1/chat/completions", stream, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("streaming status = %d, want 403", rr.Code)
	}
}

func TestNoCredentialAvailable(t *testing.T) {
	env := newTestEnv(t, textReply("ok"))
	rr := env.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	rr = env.do(http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer user::from-header"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d with bearer fallback", rr.Code)
	}
	if got := env.upstream.Calls()[0].Credential; got != "from-header" {
		t.Errorf("credential = %q", got)
	}
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, textReply("ok"), "cred")
	env.upstream.SetModels([]string{"claude-3.5-sonnet", "gpt-4o"})

	rr := env.do(http.MethodGet, "/v1/models", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var list ModelList
	json.NewDecoder(rr.Body).Decode(&list)
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Data[0].ID != "claude-3.5-sonnet" || list.Data[0].OwnedBy != "cursor" {
		t.Errorf("models[0] = %+v", list.Data[0])
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	if got := clientIP(r); got != "10.1.2.3" {
		t.Errorf("clientIP = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("clientIP = %q", got)
	}
}
