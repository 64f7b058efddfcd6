package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/admission"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/pipeline"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/ratelimit"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/upstream"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

const maxRequestBodySize = 50 << 20 // 50MB

// ChatPipeline runs completions against the upstream.
type ChatPipeline interface {
	Complete(ctx context.Context, in pipeline.ChatInput, caller pipeline.Caller) (pipeline.Completion, error)
	Stream(ctx context.Context, in pipeline.ChatInput, caller pipeline.Caller, emit func(string) error) error
	Models(ctx context.Context, authorization, checksum string) ([]string, error)
}

type Deps struct {
	Pipeline ChatPipeline
	Tokens   TokenValidator
	Usage    UsageRecorder // optional
	Limiter  *ratelimit.Limiter
	Queue    *admission.Queue
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// NewOpenAIHandler returns an http.Handler implementing the OpenAI-compatible
// REST API. Every /v1 route passes caller authentication, the rate limiter
// and the admission queue, in that order.
func NewOpenAIHandler(deps Deps) http.Handler {
	logger := logging.OrNop(deps.Logger).With(logging.Component("api"))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics(deps.Metrics, logger))

	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(CallerAuth(deps.Tokens, deps.Usage, logger))
		r.Use(RateLimit(deps.Limiter))
		r.Use(Admission(deps.Queue, logger))

		r.Get("/v1/models", handleModels(deps.Pipeline, logger))
		r.Post("/v1/chat/completions", handleChatCompletions(deps.Pipeline, logger))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

func handleModels(p ChatPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := p.Models(r.Context(), r.Header.Get("Authorization"), r.Header.Get("X-Cursor-Checksum"))
		if err != nil {
			logger.Warn("listing models failed", zap.Error(err))
			writePipelineError(w, err)
			return
		}

		now := time.Now().Unix()
		list := ModelList{Object: "list", Data: make([]Model, 0, len(names))}
		for _, n := range names {
			list.Data = append(list.Data, Model{ID: n, Object: "model", Created: now, OwnedBy: "cursor"})
		}
		writeJSON(w, http.StatusOK, list)
	}
}

type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatMessage accepts content either as a string or as an array of typed
// parts, of which only text parts are kept.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m ChatMessage) text() (string, error) {
	if len(m.Content) == 0 || string(m.Content) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or an array of parts")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

func handleChatCompletions(p ChatPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		msgs := make([]wire.Message, 0, len(req.Messages))
		for i, m := range req.Messages {
			text, err := m.text()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "messages[%d]: %v", i, err)
				return
			}
			msgs = append(msgs, wire.Message{Role: m.Role, Content: text})
		}

		tok, _ := CallerFrom(r.Context())
		caller := pipeline.Caller{TokenID: tok.ID, Premium: tok.Premium}
		in := pipeline.ChatInput{
			Model:         req.Model,
			Messages:      msgs,
			Authorization: r.Header.Get("Authorization"),
			Checksum:      r.Header.Get("X-Cursor-Checksum"),
		}

		if req.Stream {
			streamCompletion(w, r, p, in, caller, logger)
			return
		}

		c, err := p.Complete(r.Context(), in, caller)
		if err != nil {
			logger.Warn("completion failed", logging.Model(req.Model), zap.Error(err))
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, completionBody(c))
	}
}

func completionBody(c pipeline.Completion) map[string]any {
	return map[string]any{
		"id":      c.ID,
		"object":  "chat.completion",
		"created": c.Created,
		"model":   c.Model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": c.Content,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	}
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// sseWriter defers the response headers until the first event so that
// failures before any output can still be reported with a status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.start()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() {
	s.start()
	io.WriteString(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func streamCompletion(w http.ResponseWriter, r *http.Request, p ChatPipeline, in pipeline.ChatInput, caller pipeline.Caller, logger *zap.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}

	id := "chatcmpl-" + uuid.NewString()
	chunk := func(content string, finish *string) completionChunk {
		return completionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   in.Model,
			Choices: []chunkChoice{{Delta: chunkDelta{Content: content}, FinishReason: finish}},
		}
	}

	err := p.Stream(r.Context(), in, caller, func(content string) error {
		return sse.event(chunk(content, nil))
	})
	if err != nil {
		logger.Warn("streaming completion failed", logging.Model(in.Model), zap.Error(err))
		if !sse.started {
			writePipelineError(w, err)
			return
		}
		code, errType, msg := classifyError(err)
		sse.event(map[string]any{
			"error": map[string]any{"message": msg, "type": errType, "code": code},
		})
		sse.done()
		return
	}

	stop := "stop"
	sse.event(chunk("", &stop))
	sse.done()
}

// classifyError maps pipeline and upstream errors to an HTTP status, an
// error type and a caller-facing message.
func classifyError(err error) (int, string, string) {
	var se *upstream.StatusError
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", err.Error()
	case errors.Is(err, pipeline.ErrNoCredential):
		return http.StatusUnauthorized, "authentication_error",
			"no upstream credentials available: add credentials or pass them as a Bearer token"
	case errors.Is(err, upstream.ErrTimeout):
		return http.StatusRequestTimeout, "timeout_error", "upstream request timed out"
	case errors.As(err, &se):
		msg := strings.TrimSpace(se.Body)
		if msg == "" {
			msg = http.StatusText(se.Code)
		}
		return se.Code, "upstream_error", msg
	default:
		return http.StatusInternalServerError, "api_error", "internal server error"
	}
}

func writePipelineError(w http.ResponseWriter, err error) {
	code, errType, msg := classifyError(err)
	httpError(w, code, errType, "%s", msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
