// Package upstreamtest provides a fake vendor API server speaking the real
// frame format, for tests of packages built on upstream.
package upstreamtest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/upstream"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

// Call is one chat request received by the server.
type Call struct {
	Credential string
	Header     http.Header
	Request    wire.Request
}

// Reply describes how the server answers a chat call. A non-zero Status
// sends that status with Body instead of frames.
type Reply struct {
	Segments   []wire.Segment
	Diagnostic any // sent as a JSON frame before the segments when non-nil
	Gzip       bool
	Trailer    []byte // raw bytes written after the segments
	Status     int
	Body       string
}

// Text returns a reply with a single answer segment.
func Text(s string) Reply {
	return Reply{Segments: []wire.Segment{{Text: s}}}
}

type Server struct {
	*httptest.Server

	mu     sync.Mutex
	calls  []Call
	reply  func(Call) Reply
	models []string
}

// NewServer starts a server answering every chat call with reply.
func NewServer(reply func(Call) Reply) *Server {
	s := &Server{reply: reply, models: []string{"claude-3.5-sonnet", "gpt-4o"}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+upstream.ChatPath, s.handleChat)
	mux.HandleFunc("POST "+upstream.ModelsPath, s.handleModels)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetModels replaces the AvailableModels answer.
func (s *Server) SetModels(names []string) {
	s.mu.Lock()
	s.models = names
	s.mu.Unlock()
}

// Calls returns the chat calls received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := wire.DecodeRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	call := Call{
		Credential: strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		Header:     r.Header.Clone(),
		Request:    req,
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	rep := s.reply(call)
	if rep.Status != 0 && rep.Status != http.StatusOK {
		w.WriteHeader(rep.Status)
		io.WriteString(w, rep.Body)
		return
	}

	w.Header().Set("Content-Type", "application/connect+proto")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	if rep.Diagnostic != nil {
		if f, err := wire.JSONFrame(rep.Diagnostic, rep.Gzip); err == nil {
			w.Write(f)
		}
	}
	for _, seg := range rep.Segments {
		f, err := wire.ResponseFrame(seg, rep.Gzip)
		if err != nil {
			return
		}
		w.Write(f)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if len(rep.Trailer) > 0 {
		w.Write(rep.Trailer)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	names := append([]string(nil), s.models...)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/proto")
	w.Write(wire.EncodeModels(names))
}
