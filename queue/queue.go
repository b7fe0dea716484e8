// Package queue dispatches asynchronous work in strict priority order under a concurrency ceiling.
//
// Lower priority numbers run first; equal priorities run in arrival order. Nothing is dispatched until
// Start is called. Stop rejects whatever is still waiting, and work enqueued after a Stop is rejected
// with the same reason until the next Start.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
	"github.com/slighter12/unreal-bridge-go/logger"
	"github.com/slighter12/unreal-bridge-go/metrics"
)

const (
	defaultMaxConcurrent = 5
	defaultInterval      = time.Second
)

// Work is one unit of queued work. It receives the context passed to Enqueue.
type Work func(ctx context.Context) (any, error)

// Config tunes the dispatcher.
type Config struct {
	MaxConcurrent int           // ceiling on simultaneously running work
	Interval      time.Duration // periodic processing tick
	MinGap        time.Duration // minimum spacing between two dispatches; 0 disables pacing
	Metrics       *metrics.Metrics
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Started    bool   `json:"started"`
	Pending    int    `json:"pending"`
	Running    int    `json:"running"`
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
}

type entry struct {
	id         string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	ctx        context.Context
	work       Work
	handle     *Handle
	index      int
}

// Handle settles exactly once when its work completes, fails or is rejected.
type Handle struct {
	ID       string
	Priority int

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newHandle(id string, priority int) *Handle {
	return &Handle{ID: id, Priority: priority, done: make(chan struct{})}
}

func (h *Handle) settle(value any, err error) {
	h.once.Do(func() {
		h.value = value
		h.err = err
		close(h.done)
	})
}

// Done is closed once the handle has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle settles or ctx ends. Abandoning the wait does not cancel dispatched work.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue is a priority-ordered, throttled dispatcher.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	entries  entryHeap
	seq      uint64
	running  int
	started  bool
	closed   bool
	halted   error // reason of the last Stop of a started queue; nil once restarted
	limiter  *rate.Limiter
	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup

	dispatched atomic.Uint64
	failed     atomic.Uint64
}

func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	q := &Queue{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
	if cfg.MinGap > 0 {
		q.limiter = rate.NewLimiter(rate.Every(cfg.MinGap), 1)
	}
	return q
}

// Enqueue adds work at priority and returns its handle. Work queued before the first Start waits for
// Start; work queued after a Stop settles at once with the stop reason.
func (q *Queue) Enqueue(ctx context.Context, priority int, work Work) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	handle := newHandle(id, priority)
	if work == nil {
		handle.settle(nil, bridgeerr.New(bridgeerr.KindInvalidArgument, "queue: nil work", nil))
		return handle
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		handle.settle(nil, bridgeerr.New(bridgeerr.KindQueueStopped, "command queue is closed", nil))
		return handle
	}
	if q.halted != nil {
		reason := q.halted
		q.mu.Unlock()
		handle.settle(nil, reason)
		return handle
	}
	q.seq++
	heap.Push(&q.entries, &entry{
		id:         id,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
		ctx:        ctx,
		work:       work,
		handle:     handle,
	})
	q.reportLocked()
	q.mu.Unlock()

	logger.Debug("command enqueued", "component", "queue", "id", id, "priority", priority)
	q.signal()
	return handle
}

// Start begins periodic processing. Starting a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.halted = nil
	q.stop = make(chan struct{})
	q.loopDone = make(chan struct{})
	go q.loop(q.stop, q.loopDone)
	logger.Debug("command queue started", "component", "queue", "max_concurrent", q.cfg.MaxConcurrent)
}

// Stop halts processing and rejects every pending entry with reason. Work already running finishes on its own.
func (q *Queue) Stop(reason error) {
	if reason == nil {
		reason = bridgeerr.New(bridgeerr.KindQueueStopped, "command queue stopped", nil)
	}
	q.mu.Lock()
	if !q.started {
		pending := q.drainLocked()
		q.mu.Unlock()
		rejectAll(pending, reason)
		return
	}
	q.started = false
	q.halted = reason
	stop, done := q.stop, q.loopDone
	q.stop, q.loopDone = nil, nil
	q.mu.Unlock()

	close(stop)
	<-done

	q.mu.Lock()
	pending := q.drainLocked()
	q.mu.Unlock()
	rejectAll(pending, reason)
}

// Close stops the queue for good and waits for running work to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Stop(bridgeerr.New(bridgeerr.KindQueueStopped, "command queue is closed", nil))
	q.inflight.Wait()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Started:    q.started,
		Pending:    q.entries.Len(),
		Running:    q.running,
		Dispatched: q.dispatched.Load(),
		Failed:     q.failed.Load(),
	}
}

func (q *Queue) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		q.dispatchReady()
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) dispatchReady() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.started && q.running < q.cfg.MaxConcurrent && q.entries.Len() > 0 {
		next := q.entries[0]
		if err := next.ctx.Err(); err != nil {
			heap.Pop(&q.entries)
			next.handle.settle(nil, err)
			continue
		}
		if q.limiter != nil {
			now := time.Now()
			r := q.limiter.ReserveN(now, 1)
			if delay := r.DelayFrom(now); delay > 0 {
				r.CancelAt(now)
				time.AfterFunc(delay, q.signal)
				break
			}
		}
		heap.Pop(&q.entries)
		q.running++
		q.inflight.Add(1)
		go q.run(next)
	}
	q.reportLocked()
}

func (q *Queue) run(e *entry) {
	defer q.inflight.Done()
	wait := time.Since(e.enqueuedAt)
	q.dispatched.Add(1)
	q.cfg.Metrics.ObserveDispatch(e.priority, wait)
	logger.Debug("dispatching command", "component", "queue", "id", e.id, "priority", e.priority, "waited", wait)

	value, err := q.invoke(e)
	if err != nil {
		q.failed.Add(1)
		q.cfg.Metrics.ObserveFailure(e.priority)
	}
	e.handle.settle(value, err)

	q.mu.Lock()
	q.running--
	q.reportLocked()
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) invoke(e *entry) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("queued command panicked", "component", "queue", "id", e.id, "panic", r)
			value = nil
			err = bridgeerr.RemoteExecution(fmt.Sprintf("queued command panicked: %v", r), nil)
		}
	}()
	return e.work(e.ctx)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) drainLocked() []*entry {
	pending := make([]*entry, 0, q.entries.Len())
	for q.entries.Len() > 0 {
		pending = append(pending, heap.Pop(&q.entries).(*entry))
	}
	q.reportLocked()
	return pending
}

func (q *Queue) reportLocked() {
	q.cfg.Metrics.SetQueue(q.entries.Len(), q.running)
}

func rejectAll(pending []*entry, reason error) {
	for _, e := range pending {
		e.handle.settle(nil, reason)
	}
	if len(pending) > 0 {
		logger.Warn("rejected pending commands", "component", "queue", "count", len(pending), "reason", reason.Error())
	}
}

// Do enqueues fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	handle := q.Enqueue(ctx, priority, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	value, err := handle.Wait(ctx)
	if err != nil {
		if value != nil {
			if typed, ok := value.(T); ok {
				return typed, err
			}
		}
		return zero, err
	}
	typed, ok := value.(T)
	if !ok && value != nil {
		return zero, fmt.Errorf("queue: unexpected result type %T", value)
	}
	return typed, nil
}
