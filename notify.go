package qcache

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// DispatchFunc runs a single queued callback. The default implementation
// calls fn(), recovering and logging a panic; an embedder can replace it to defer the call through a
// UI framework's own scheduler.
type DispatchFunc func(fn func())

// BatchDispatchFunc runs every callback queued during a batch() scope. The
// default implementation invokes the whole slice and defers the group
// through the same mechanism as DispatchFunc.
type BatchDispatchFunc func(fns []func())

// NotifyManager batches and defers listener callbacks (spec.md §4.1): a
// mutex-protected struct plus a background goroutine that drains a channel
// of work, standing in for JavaScript's microtask queue. Two nested levers
// control delivery:
//
//   - batch(fn) groups every schedule() call made during fn into one flush;
//   - outside a batch scope, schedule() defers its callback immediately.
//
// Both dispatchers are replaceable, and callbacks always flush in enqueue
// order, even across reentrant schedule() calls made from inside a flush.
type NotifyManager struct {
	mu         sync.Mutex
	batchDepth int
	queue      []func()

	notifyFn      DispatchFunc
	batchNotifyFn BatchDispatchFunc

	logger  Logger
	metrics *metricsSink

	microtasks chan func()
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewNotifyManager constructs a NotifyManager with the default
// immediate-goroutine dispatchers. logger receives one aggregated error
// (via hashicorp/go-multierror) per flush where one or more callbacks
// panicked, instead of silently dropping all-but-the-first (spec.md §7:
// "errors caught inside observers' notify callbacks ... are logged and do
// not affect state"). A nil logger discards them. metrics may be nil.
func NewNotifyManager(logger Logger, metrics *metricsSink) *NotifyManager {
	if logger == nil {
		logger = NoopLogger()
	}
	n := &NotifyManager{
		logger:     logger,
		metrics:    metrics,
		microtasks: make(chan func(), 4096),
		closed:     make(chan struct{}),
	}
	n.notifyFn = func(fn func()) {
		if err := runGuardedErr(fn); err != nil {
			n.logger.Error("qcache: notify callback panicked", "error", err)
		}
	}
	n.batchNotifyFn = func(fns []func()) {
		var errs *multierror.Error
		for _, fn := range fns {
			if err := runGuardedErr(fn); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if errs != nil {
			n.logger.Error("qcache: notify batch callbacks panicked", "error", errs.ErrorOrNil())
		}
	}
	go n.drain()
	return n
}

func runGuardedErr(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = &panicError{value: r}
			}
		}
	}()
	fn()
	return nil
}

type panicError struct{ value interface{} }

func (p *panicError) Error() string { return "panic in notify callback" }

// drain is the single "microtask" worker: callbacks enqueued via schedule
// run here, strictly in enqueue order, on a goroutine distinct from the
// caller so a schedule() made synchronously from inside dispatch is never
// re-entered before the current flush returns.
func (n *NotifyManager) drain() {
	for {
		select {
		case fn := <-n.microtasks:
			fn()
		case <-n.closed:
			return
		}
	}
}

// SetNotifyFunction replaces the per-callback dispatcher.
func (n *NotifyManager) SetNotifyFunction(fn DispatchFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifyFn = fn
}

// SetBatchNotifyFunction replaces the batch-flush dispatcher.
func (n *NotifyManager) SetBatchNotifyFunction(fn BatchDispatchFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batchNotifyFn = fn
}

// Batch runs fn with the batch scope active: any Schedule call made
// directly or transitively from within fn is queued instead of dispatched,
// and flushed as one group once the outermost Batch call returns.
func (n *NotifyManager) Batch(fn func()) {
	n.mu.Lock()
	n.batchDepth++
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.batchDepth--
		flush := n.batchDepth == 0
		var queued []func()
		if flush {
			queued = n.queue
			n.queue = nil
		}
		batchFn := n.batchNotifyFn
		n.mu.Unlock()

		if flush && len(queued) > 0 {
			n.metrics.AddSample("notify.batch_size", float32(len(queued)))
			n.enqueueMicrotask(func() { batchFn(queued) })
		}
	}()

	fn()
}

// Schedule queues fn for delivery. Inside a Batch scope it joins the
// current batch; outside one, it is deferred to the microtask queue
// immediately (as its own one-callback dispatch).
func (n *NotifyManager) Schedule(fn func()) {
	n.mu.Lock()
	if n.batchDepth > 0 {
		n.queue = append(n.queue, fn)
		n.mu.Unlock()
		return
	}
	notifyFn := n.notifyFn
	n.mu.Unlock()

	n.enqueueMicrotask(func() { notifyFn(fn) })
}

func (n *NotifyManager) enqueueMicrotask(task func()) {
	select {
	case n.microtasks <- task:
	case <-n.closed:
	}
}

// Close stops the background dispatcher. A closed NotifyManager drops any
// further Schedule calls; it is meant to be called once, at Client
// shutdown.
func (n *NotifyManager) Close() {
	n.closeOnce.Do(func() { close(n.closed) })
}
