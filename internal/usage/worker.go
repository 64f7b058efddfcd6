// Package usage records caller token usage off the request path.
package usage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
)

const defaultBuffer = 256

// Store persists one usage event.
type Store interface {
	RecordUsage(tokenID, ip string) error
}

// Event is one authenticated API call.
type Event struct {
	TokenID string
	IP      string
}

// Worker drains usage events into the Store from a buffered channel. When
// the buffer is full, new events are dropped rather than blocking callers.
type Worker struct {
	store  Store
	events chan Event
	logger *zap.Logger
}

// NewWorker creates a Worker. If buffer is <= 0, it defaults to 256.
func NewWorker(store Store, buffer int, logger *zap.Logger) *Worker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Worker{
		store:  store,
		events: make(chan Event, buffer),
		logger: logging.OrNop(logger).With(logging.Component("usage")),
	}
}

// Record enqueues an event and reports whether it was accepted.
func (w *Worker) Record(tokenID, ip string) bool {
	select {
	case w.events <- Event{TokenID: tokenID, IP: ip}:
		return true
	default:
		w.logger.Warn("usage buffer full, dropping event", logging.TokenID(tokenID))
		return false
	}
}

// Run processes events until ctx is cancelled, then flushes whatever is
// still buffered.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case ev := <-w.events:
			if err := w.process(ev); err != nil {
				w.logger.Warn("recording usage failed", zap.Error(err))
			}
		}
	}
}

// RunOnce processes a single buffered event, if any. Returns true if an
// event was processed.
func (w *Worker) RunOnce() (bool, error) {
	select {
	case ev := <-w.events:
		return true, w.process(ev)
	default:
		return false, nil
	}
}

func (w *Worker) flush() {
	for {
		done, err := w.RunOnce()
		if err != nil {
			w.logger.Warn("recording usage failed", zap.Error(err))
		}
		if !done {
			return
		}
	}
}

func (w *Worker) process(ev Event) error {
	if err := w.store.RecordUsage(ev.TokenID, ev.IP); err != nil {
		return fmt.Errorf("token %s: %w", ev.TokenID, err)
	}
	return nil
}
