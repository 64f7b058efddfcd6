// Package admission implements global concurrency admission control.
//
// Once the number of in-flight requests reaches Threshold, new requests wait
// in a priority queue. A waiting entry is admitted either when another
// request completes (priority entries first, then oldest first) or when its
// own wait budget expires, whichever happens first. Every wait is bounded.
package admission

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
)

// ErrQueueTimeout is returned by Acquire when the wait budget expires and
// the queue is configured to reject instead of admit.
var ErrQueueTimeout = errors.New("admission queue wait timed out")

type Config struct {
	Threshold    int
	NormalWait   time.Duration
	ExtendedWait time.Duration
	PriorityWait time.Duration

	// RejectOnTimeout turns an expired wait budget into ErrQueueTimeout.
	// By default the entry is admitted.
	RejectOnTimeout bool
}

func DefaultConfig() Config {
	return Config{
		Threshold:    10,
		NormalWait:   60 * time.Second,
		ExtendedWait: 120 * time.Second,
		PriorityWait: 5 * time.Second,
	}
}

type Status struct {
	QueueActive    bool          `json:"queue_active"`
	Waiting        int           `json:"waiting"`
	ActiveRequests int           `json:"active_requests"`
	CurrentWait    time.Duration `json:"current_wait"`
	Threshold      int           `json:"threshold"`
}

type Queue struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	active      int
	queueActive bool
	currentWait time.Duration
	entries     entryHeap
	seq         uint64
}

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Queue {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.NormalWait <= 0 {
		cfg.NormalWait = def.NormalWait
	}
	if cfg.ExtendedWait <= 0 {
		cfg.ExtendedWait = def.ExtendedWait
	}
	if cfg.PriorityWait <= 0 {
		cfg.PriorityWait = def.PriorityWait
	}
	return &Queue{
		cfg:         cfg,
		logger:      logging.OrNop(logger).With(logging.Component("admission")),
		metrics:     m,
		now:         time.Now,
		currentWait: cfg.NormalWait,
	}
}

// Ticket represents one admitted request. Release must be called when the
// request completes.
type Ticket struct {
	q    *Queue
	once sync.Once

	// Queued reports whether the request had to wait.
	Queued bool
	// EstimatedWait is the wait budget assigned at enqueue time.
	EstimatedWait time.Duration
	// Waited is the time actually spent in the queue.
	Waited time.Duration
	// TimedOut reports admission by budget expiry rather than by drain.
	TimedOut bool
}

// Release marks the request complete and drains the queue head. It is safe
// to call more than once.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.q.release)
}

// Acquire admits the request immediately or enqueues it. onQueued, when
// non-nil, is called with the assigned wait budget before blocking.
//
// If ctx is cancelled while waiting, the entry is removed and ctx.Err() is
// returned; the caller must not call Release in that case.
func (q *Queue) Acquire(ctx context.Context, priority bool, onQueued func(estimate time.Duration)) (*Ticket, error) {
	q.mu.Lock()
	q.active++
	if q.active >= q.cfg.Threshold {
		q.queueActive = true
	}
	if !q.queueActive {
		q.publish()
		q.mu.Unlock()
		q.metrics.RecordQueueWait("immediate", 0)
		return &Ticket{q: q}, nil
	}

	q.seq++
	e := &entry{
		priority:   priority,
		enqueuedAt: q.now(),
		seq:        q.seq,
		ready:      make(chan struct{}),
	}
	heap.Push(&q.entries, e)
	if q.entries.Len() > 2*q.cfg.Threshold && q.currentWait != q.cfg.ExtendedWait {
		q.currentWait = q.cfg.ExtendedWait
		q.logger.Warn("queue depth high, wait budget extended",
			zap.Int("waiting", q.entries.Len()),
			zap.Duration("wait", q.currentWait),
		)
	}
	budget := q.currentWait
	if priority {
		budget = q.cfg.PriorityWait
	}
	q.publish()
	q.mu.Unlock()

	if onQueued != nil {
		onQueued(budget)
	}
	q.logger.Debug("request queued", zap.Bool("priority", priority), zap.Duration("budget", budget))

	timer := time.NewTimer(budget)
	defer timer.Stop()

	t := &Ticket{q: q, Queued: true, EstimatedWait: budget}
	start := e.enqueuedAt

	select {
	case <-e.ready:
		t.Waited = q.now().Sub(start)
		q.metrics.RecordQueueWait("drained", t.Waited)
		return t, nil

	case <-timer.C:
		if !q.claim(e) {
			// Drained concurrently; the drain already admitted us.
			t.Waited = q.now().Sub(start)
			q.metrics.RecordQueueWait("drained", t.Waited)
			return t, nil
		}
		t.Waited = q.now().Sub(start)
		q.metrics.RecordQueueWait("timeout", t.Waited)
		if q.cfg.RejectOnTimeout {
			q.abandon()
			return nil, ErrQueueTimeout
		}
		t.TimedOut = true
		return t, nil

	case <-ctx.Done():
		if !q.claim(e) {
			// Admitted at the same moment; give the slot back.
			q.release()
			return nil, ctx.Err()
		}
		q.metrics.RecordQueueWait("cancelled", q.now().Sub(start))
		q.abandon()
		return nil, ctx.Err()
	}
}

// claim removes e from the heap if it is still queued. It reports whether
// the caller won the entry.
func (q *Queue) claim(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.index < 0 {
		return false
	}
	heap.Remove(&q.entries, e.index)
	q.settle()
	q.publish()
	return true
}

// abandon drops the count for a request that will never run.
func (q *Queue) abandon() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	q.settle()
	q.publish()
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	if q.queueActive && q.entries.Len() > 0 {
		e := heap.Pop(&q.entries).(*entry)
		close(e.ready)
	}
	q.settle()
	q.publish()
}

// settle deactivates the queue once it is empty and concurrency is below
// the threshold. Callers hold q.mu.
func (q *Queue) settle() {
	if q.queueActive && q.entries.Len() == 0 && q.active < q.cfg.Threshold {
		q.queueActive = false
		q.currentWait = q.cfg.NormalWait
		q.logger.Debug("queue deactivated", zap.Int("active", q.active))
	}
}

func (q *Queue) publish() {
	q.metrics.SetQueue(q.entries.Len(), q.active)
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		QueueActive:    q.queueActive,
		Waiting:        q.entries.Len(),
		ActiveRequests: q.active,
		CurrentWait:    q.currentWait,
		Threshold:      q.cfg.Threshold,
	}
}

type entry struct {
	priority   bool
	enqueuedAt time.Time
	seq        uint64
	index      int
	ready      chan struct{}
}

// entryHeap orders priority entries first, then by enqueue time.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
