// Package retry re-issues upstream calls with a different credential when a
// decoded reply matches one of the configured error rules.
package retry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
)

const DefaultMaxAttempts = 20

var ErrAttemptsExhausted = errors.New("maximum retry attempts reached")

// RuleSource supplies error rules in evaluation order.
type RuleSource interface {
	ListErrorRules() ([]storage.ErrorRule, error)
}

// Callback obtains a fresh credential, repeats the upstream call and
// returns the newly decoded text.
type Callback func(ctx context.Context) (string, error)

type Result struct {
	Text string
	// Filtered is true when the returned text still matches a rule because
	// retries were exhausted or a retry failed.
	Filtered bool
	Attempts int
	// Err records why retrying stopped early, if it did.
	Err error
	// Pattern is the last rule pattern that matched, if any.
	Pattern string
}

type Engine struct {
	src         RuleSource
	maxAttempts int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewEngine(src RuleSource, maxAttempts int, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Engine{
		src:         src,
		maxAttempts: maxAttempts,
		logger:      logging.OrNop(logger).With(logging.Component("retry")),
		metrics:     m,
	}
}

// Rules returns a fresh compiled snapshot. Rules whose pattern no longer
// compiles are skipped.
func (e *Engine) Rules() ([]Rule, error) {
	stored, err := e.src.ListErrorRules()
	if err != nil {
		return nil, fmt.Errorf("listing error rules: %w", err)
	}
	rules := make([]Rule, 0, len(stored))
	for _, sr := range stored {
		r, err := CompileRule(sr)
		if err != nil {
			e.logger.Warn("skipping error rule", zap.String("rule_id", sr.ID), zap.Error(err))
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// HasRules reports whether at least one usable rule exists.
func (e *Engine) HasRules() (bool, error) {
	rules, err := e.Rules()
	return len(rules) > 0, err
}

// Resolve checks text against the rules and calls cb until a reply no
// longer matches or the attempt cap is reached. A "free-limit" match is
// only retried for premium callers.
func (e *Engine) Resolve(ctx context.Context, text string, cb Callback, premium bool) Result {
	rules, err := e.Rules()
	if err != nil {
		e.logger.Error("error rules unavailable, skipping retry", zap.Error(err))
		return Result{Text: text}
	}

	attempts := 0
	for {
		rule, ok := Match(rules, text)
		if !ok {
			if attempts > 0 {
				e.metrics.RecordRetryOutcome("recovered")
			}
			return Result{Text: text, Attempts: attempts}
		}

		if attempts >= e.maxAttempts {
			e.metrics.RecordRetryOutcome("exhausted")
			e.logger.Warn("retry attempts exhausted",
				zap.String("pattern", rule.Pattern),
				logging.Attempt(attempts),
			)
			return Result{Text: text, Filtered: true, Attempts: attempts, Err: ErrAttemptsExhausted, Pattern: rule.Pattern}
		}

		if rule.Classification == ClassFreeLimit && !premium {
			e.metrics.RecordRetryOutcome("not_entitled")
			e.logger.Info("free-limit reply for non-premium caller, not retrying")
			return Result{Text: text, Attempts: attempts, Pattern: rule.Pattern}
		}

		if err := ctx.Err(); err != nil {
			return Result{Text: text, Filtered: true, Attempts: attempts, Err: err, Pattern: rule.Pattern}
		}

		e.metrics.RecordRetry(rule.Classification)
		e.logger.Info("error rule matched, retrying with next credential",
			zap.String("pattern", rule.Pattern),
			zap.String("classification", rule.Classification),
			logging.Attempt(attempts+1),
			zap.Int("max_attempts", e.maxAttempts),
		)

		next, err := cb(ctx)
		if err != nil {
			e.metrics.RecordRetryOutcome("callback_error")
			e.logger.Warn("retry callback failed", zap.Error(err), logging.Attempt(attempts+1))
			return Result{Text: text, Filtered: true, Attempts: attempts, Err: err, Pattern: rule.Pattern}
		}
		text = next
		attempts++
	}
}
