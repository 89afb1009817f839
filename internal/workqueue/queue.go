package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"vdev/internal/device"
	"vdev/internal/logging"
)

// Handler processes one dequeued request. The request arrives in the Matched state
// and is owned by the handler until it returns.
type Handler func(ctx context.Context, req *device.Request) error

// Option configures optional queue behavior.
type Option func(*Queue)

// WithDrainNotifier registers fn to run the first time the worker empties the
// queue after Start. It runs at most once per queue.
func WithDrainNotifier(fn func()) Option {
	return func(q *Queue) {
		q.onDrain = fn
	}
}

// WithLimit caps the number of queued requests. Zero means unbounded.
func WithLimit(limit int) Option {
	return func(q *Queue) {
		if limit > 0 {
			q.limit = limit
		}
	}
}

// Queue is a FIFO of pending device requests served by one worker goroutine.
type Queue struct {
	handler Handler
	logger  *slog.Logger
	limit   int
	onDrain func()

	mu        sync.Mutex
	cond      *sync.Cond
	items     []*device.Request
	head      int
	running   bool
	accepting bool
	draining  bool
	inFlight  int
	drained   bool
	done      chan struct{}
}

// New constructs a stopped queue.
func New(handler Handler, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "workqueue"),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker goroutine.
func (q *Queue) Start(ctx context.Context) error {
	if q.handler == nil {
		return device.Wrap(device.ErrInvalidState, "start work queue", "", errors.New("handler not configured"))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return device.Wrap(device.ErrInvalidState, "start work queue", "", errors.New("already running"))
	}
	q.running = true
	q.accepting = true
	q.draining = false
	q.done = make(chan struct{})

	go q.run(ctx, q.done)
	return nil
}

// Enqueue appends req and returns immediately. The request moves to Queued. When
// the queue refuses the request it is left untouched and the caller decides whether
// to retry or drop it.
func (q *Queue) Enqueue(req *device.Request) error {
	if req == nil {
		return device.Wrap(device.ErrInvalidState, "enqueue", "", errors.New("nil request"))
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.accepting {
		return device.Wrap(device.ErrInvalidState, "enqueue", req.Path, errors.New("work queue is not accepting requests"))
	}
	if q.limit > 0 && q.lenLocked() >= q.limit {
		return device.Wrap(device.ErrOutOfMemory, "enqueue", req.Path, fmt.Errorf("work queue full (%d requests)", q.limit))
	}
	if err := req.Transition(device.StateQueued); err != nil {
		return err
	}
	q.items = append(q.items, req)
	q.cond.Signal()
	return nil
}

// Stop stops accepting requests. With wait set it blocks until every queued and
// in-flight request has been handled; otherwise it waits only for the in-flight
// request and marks the rest Failed with ErrDiscarded.
func (q *Queue) Stop(wait bool) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return device.Wrap(device.ErrInvalidState, "stop work queue", "", errors.New("not running"))
	}
	q.accepting = false
	q.draining = wait
	var discarded []*device.Request
	if !wait {
		discarded = q.takeAllLocked()
	}
	done := q.done
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, req := range discarded {
		_ = req.Fail(device.Wrap(device.ErrDiscarded, "stop work queue", req.Path, nil))
	}
	if len(discarded) > 0 {
		q.logger.Info("discarded queued device requests",
			logging.String(logging.FieldEventType, "workqueue_discarded"),
			logging.Int("count", len(discarded)),
		)
	}

	<-done

	q.mu.Lock()
	q.running = false
	q.done = nil
	q.mu.Unlock()
	return nil
}

// Len returns the number of queued requests not yet picked up.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// InFlight returns the number of requests currently held by the worker.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Running reports whether the worker is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		req, ok := q.next()
		if !ok {
			return
		}
		q.process(ctx, req)
		q.finish()
	}
}

// next blocks until a request is available or the queue is told to stop. A
// draining queue keeps handing out requests until the list is empty.
func (q *Queue) next() (*device.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.lenLocked() == 0 && q.accepting {
		q.cond.Wait()
	}
	if q.lenLocked() == 0 {
		return nil, false
	}
	if !q.accepting && !q.draining {
		return nil, false
	}
	req := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.inFlight++
	return req, true
}

func (q *Queue) process(ctx context.Context, req *device.Request) {
	if err := req.Transition(device.StateMatched); err != nil {
		q.logger.Error("dequeued request in unexpected state",
			logging.Error(err),
			logging.String(logging.FieldDevicePath, req.Path),
			logging.String(logging.FieldEventType, "workqueue_bad_state"),
		)
		_ = req.Fail(err)
		return
	}
	if err := q.handler(ctx, req); err != nil {
		if !req.Terminal() {
			_ = req.Fail(err)
		}
		q.logger.Debug("device request handler failed",
			logging.Error(err),
			logging.String(logging.FieldDevicePath, req.Path),
			logging.String("action", string(req.Kind)),
		)
	}
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.inFlight--
	notify := false
	if q.lenLocked() == 0 && !q.drained && (q.accepting || q.draining) {
		q.drained = true
		notify = q.onDrain != nil
	}
	q.mu.Unlock()

	if notify {
		q.onDrain()
	}
}

func (q *Queue) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue) takeAllLocked() []*device.Request {
	if q.lenLocked() == 0 {
		return nil
	}
	taken := make([]*device.Request, q.lenLocked())
	copy(taken, q.items[q.head:])
	q.items = nil
	q.head = 0
	return taken
}
