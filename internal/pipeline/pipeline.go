// Package pipeline runs one chat completion end to end: credential
// selection, the upstream call, frame decoding and error-rule retries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/retry"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/upstream"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

var (
	ErrNoCredential   = errors.New("no upstream credential available")
	ErrInvalidRequest = errors.New("messages must be a non-empty array")
)

// Upstream is the vendor API as seen by the pipeline.
type Upstream interface {
	StreamChat(ctx context.Context, req upstream.ChatRequest) (*upstream.Stream, error)
	AvailableModels(ctx context.Context, credential, checksum string) ([]string, error)
}

// CredentialPool supplies rotating credentials.
type CredentialPool interface {
	PeekCurrent() (storage.Credential, bool, error)
	Advance() (storage.Credential, bool, error)
}

// ChatInput is a decoded chat completion request.
type ChatInput struct {
	Model    string
	Messages []wire.Message
	// Authorization is the caller's raw Authorization header, used as a
	// credential source when the pool is empty.
	Authorization string
	// Checksum, when set, is forwarded instead of the computed fingerprint.
	Checksum string
}

func (in ChatInput) validate() error {
	if len(in.Messages) == 0 {
		return ErrInvalidRequest
	}
	return nil
}

// Caller carries the entitlements of the authenticated caller token.
type Caller struct {
	TokenID string
	Premium bool
}

type Completion struct {
	ID       string
	Created  int64
	Model    string
	Content  string
	Filtered bool
	Attempts int
}

type Deps struct {
	Upstream Upstream
	Pool     CredentialPool
	Retry    *retry.Engine
	// Fallback holds credentials from configuration, tried after the
	// caller's bearer list.
	Fallback []string
	Logger   *zap.Logger
}

type Pipeline struct {
	up       Upstream
	pool     CredentialPool
	retry    *retry.Engine
	fallback []string
	logger   *zap.Logger
	now      func() time.Time
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		up:       d.Upstream,
		pool:     d.Pool,
		retry:    d.Retry,
		fallback: d.Fallback,
		logger:   logging.OrNop(d.Logger).With(logging.Component("pipeline")),
		now:      time.Now,
	}
}

// Complete runs a non-streaming completion. Error-rule retries are applied
// before the reply is returned.
func (p *Pipeline) Complete(ctx context.Context, in ChatInput, caller Caller) (Completion, error) {
	if err := in.validate(); err != nil {
		return Completion{}, err
	}
	seg, res, err := p.run(ctx, in, caller)
	if err != nil {
		return Completion{}, err
	}
	return Completion{
		ID:       "chatcmpl-" + uuid.NewString(),
		Created:  p.now().Unix(),
		Model:    in.Model,
		Content:  FormatSegment(seg),
		Filtered: res.Filtered,
		Attempts: res.Attempts,
	}, nil
}

// Stream runs a streaming completion, passing formatted text to emit as
// it becomes available. When error rules exist the whole reply is
// buffered and resolved first, then emitted once.
func (p *Pipeline) Stream(ctx context.Context, in ChatInput, caller Caller, emit func(string) error) error {
	if err := in.validate(); err != nil {
		return err
	}

	hasRules, err := p.retry.HasRules()
	if err != nil {
		p.logger.Warn("checking error rules", zap.Error(err))
	}
	if hasRules {
		seg, _, err := p.run(ctx, in, caller)
		if err != nil {
			return err
		}
		if out := FormatSegment(seg); out != "" {
			return emit(out)
		}
		return nil
	}

	cred, source, err := p.resolveCredential(in.Authorization, true)
	if err != nil {
		return err
	}
	p.logger.Debug("streaming completion",
		logging.Model(in.Model),
		zap.String("credential_source", source),
		logging.TokenID(caller.TokenID),
	)
	stream, err := p.up.StreamChat(ctx, p.chatRequest(in, cred))
	if err != nil {
		return err
	}
	defer stream.Close()

	var f ThinkingFormatter
	emitted := false
	for {
		seg, err := stream.Next()
		if out := f.Format(seg); out != "" {
			if emitErr := emit(out); emitErr != nil {
				return emitErr
			}
			emitted = true
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if !emitted {
				return err
			}
			p.logger.Warn("ending stream early after read error", logging.Model(in.Model), zap.Error(err))
			break
		}
	}
	if tail := f.Finish(); tail != "" {
		return emit(tail)
	}
	return nil
}

// Models lists the models available to the resolved credential. Unlike
// chat, the first bearer entry is used rather than a random one.
func (p *Pipeline) Models(ctx context.Context, authorization, checksum string) ([]string, error) {
	cred, _, err := p.resolveCredential(authorization, false)
	if err != nil {
		return nil, err
	}
	return p.up.AvailableModels(ctx, cred, checksum)
}

// run performs the initial upstream call and resolves the reply against
// the error rules, rotating credentials on every retry.
func (p *Pipeline) run(ctx context.Context, in ChatInput, caller Caller) (wire.Segment, retry.Result, error) {
	cred, source, err := p.resolveCredential(in.Authorization, true)
	if err != nil {
		return wire.Segment{}, retry.Result{}, err
	}
	log := p.logger.With(logging.Model(in.Model), logging.TokenID(caller.TokenID))
	log.Debug("running completion", zap.String("credential_source", source))

	latest, err := p.fetch(ctx, in, cred)
	if err != nil {
		return wire.Segment{}, retry.Result{}, err
	}

	res := p.retry.Resolve(ctx, latest.Transcript, func(ctx context.Context) (string, error) {
		next, ok, err := p.pool.Advance()
		if err != nil {
			return "", fmt.Errorf("rotating credential: %w", err)
		}
		if !ok {
			return "", ErrNoCredential
		}
		log.Debug("retrying with rotated credential", logging.CredentialID(next.ID))
		reply, err := p.fetch(ctx, in, NormalizeCredential(next.Value))
		if err != nil {
			return "", err
		}
		latest = reply
		return reply.Transcript, nil
	}, caller.Premium)

	if res.Filtered {
		log.Warn("returning reply that still matches an error rule",
			zap.String("pattern", res.Pattern),
			logging.Attempt(res.Attempts),
			zap.Error(res.Err),
		)
	}
	return latest.Segment, res, nil
}

// fetch drains one upstream reply. A read error after some text has been
// decoded is logged and the partial reply is kept.
func (p *Pipeline) fetch(ctx context.Context, in ChatInput, cred string) (upstream.Reply, error) {
	stream, err := p.up.StreamChat(ctx, p.chatRequest(in, cred))
	if err != nil {
		return upstream.Reply{}, err
	}
	defer stream.Close()

	reply, err := stream.ReadAll()
	if err != nil {
		if reply.Empty() {
			return upstream.Reply{}, err
		}
		p.logger.Warn("keeping partial reply after read error", logging.Model(in.Model), zap.Error(err))
	}
	return reply, nil
}

func (p *Pipeline) chatRequest(in ChatInput, cred string) upstream.ChatRequest {
	return upstream.ChatRequest{
		Credential: cred,
		Checksum:   in.Checksum,
		Model:      in.Model,
		Messages:   in.Messages,
	}
}
