// Package upstream talks to the vendor chat API over HTTP/2.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/fingerprint"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

const (
	ChatPath   = "/aiserver.v1.ChatService/StreamUnifiedChatWithTools"
	ModelsPath = "/aiserver.v1.AiService/AvailableModels"

	userAgent       = "connect-es/1.6.1"
	maxErrorBodyLen = 4096
	maxModelsBody   = 4 << 20
)

type Config struct {
	BaseURL        string
	ClientVersion  string
	Timezone       string
	ProxyURL       string
	ConnectTimeout time.Duration
	// ReadTimeout bounds a whole upstream exchange, including streaming
	// the reply body.
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api2.cursor.sh",
		ClientVersion:  "0.48.7",
		Timezone:       "Asia/Shanghai",
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    5 * time.Minute,
	}
}

// ErrTimeout marks an upstream call that ran out of time.
var ErrTimeout = errors.New("upstream request timed out")

// StatusError is returned when the vendor answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// Client communicates with the vendor API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient builds a client with an HTTP/2-capable transport, routed
// through cfg.ProxyURL when set.
func NewClient(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = def.ClientVersion
	}
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configuring http2: %w", err)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		logger:     logging.OrNop(logger).With(logging.Component("upstream")),
		metrics:    m,
	}, nil
}

// ChatRequest is one StreamUnifiedChatWithTools call.
type ChatRequest struct {
	Credential string
	// Checksum overrides the computed x-cursor-checksum when set.
	Checksum string
	Model    string
	Messages []wire.Message
}

// StreamChat sends the request and returns the reply as a frame stream.
// The caller must Close the stream.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	body, err := wire.Encode(req.Messages, req.Model)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+ChatPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq, req.Credential, req.Checksum)
	httpReq.Header.Set("Content-Type", "application/connect+proto")
	httpReq.Header.Set("Connect-Accept-Encoding", "gzip")
	httpReq.Header.Set("Connect-Content-Encoding", "gzip")
	httpReq.Header.Set("X-Amzn-Trace-Id", "Root="+uuid.NewString())
	httpReq.Header.Set("X-Client-Key", fingerprint.ClientKey(req.Credential))
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	httpReq.Header.Set("X-Session-Id", fingerprint.SessionID(req.Credential))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		c.metrics.RecordUpstream("chat", 0)
		return nil, classify("executing chat request", err)
	}
	c.metrics.RecordUpstream("chat", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		resp.Body.Close()
		cancel()
		c.logger.Warn("upstream rejected chat request",
			logging.Status(resp.StatusCode),
			logging.Model(req.Model),
			logging.Secret("credential", req.Credential),
		)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	rc := &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return &Stream{body: rc, frames: wire.NewReader(rc, c.logger)}, nil
}

// AvailableModels lists the model names the credential may use.
func (c *Client) AvailableModels(ctx context.Context, credential, checksum string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+ModelsPath, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq, credential, checksum)
	httpReq.Header.Set("Content-Type", "application/proto")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordUpstream("models", 0)
		return nil, classify("requesting models", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstream("models", resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModelsBody))
	if err != nil {
		return nil, classify("reading models", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(data))}
	}

	names, err := wire.DecodeModels(data)
	if err != nil {
		return nil, fmt.Errorf("decoding models: %s", truncate(string(data)))
	}
	return names, nil
}

func (c *Client) setHeaders(req *http.Request, credential, checksum string) {
	if checksum == "" {
		checksum = fingerprint.Checksum(credential)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Connect-Protocol-Version", "1")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Cursor-Checksum", checksum)
	req.Header.Set("X-Cursor-Client-Version", c.cfg.ClientVersion)
	req.Header.Set("X-Cursor-Config-Version", uuid.NewString())
	req.Header.Set("X-Cursor-Timezone", c.cfg.Timezone)
	req.Header.Set("X-Ghost-Mode", "true")
}

// Stream yields decoded segments from a chat reply.
type Stream struct {
	body   io.ReadCloser
	frames *wire.Reader
}

// Next returns the next decoded segment, or io.EOF at the end of the reply.
func (s *Stream) Next() (wire.Segment, error) {
	seg, err := s.frames.Next()
	if err != nil && err != io.EOF {
		return seg, classify("reading chat stream", err)
	}
	return seg, err
}

// Reply is a fully drained chat reply.
type Reply struct {
	wire.Segment
	// Transcript joins thinking and text per frame in arrival order, the
	// form error rules are matched against.
	Transcript string
}

// ReadAll drains the stream and returns the concatenated reply. On a read
// error the reply decoded so far is returned alongside it.
func (s *Stream) ReadAll() (Reply, error) {
	var out Reply
	var transcript strings.Builder
	for {
		seg, err := s.Next()
		out.Thinking += seg.Thinking
		out.Text += seg.Text
		transcript.WriteString(seg.Thinking)
		transcript.WriteString(seg.Text)
		if err != nil {
			out.Transcript = transcript.String()
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func classify(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func truncate(s string) string {
	if len(s) > maxErrorBodyLen {
		return s[:maxErrorBodyLen]
	}
	return s
}
