package qcache

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/asyncquery/qcache/events"
	"golang.org/x/time/rate"
)

// NetworkMode governs whether a fetch is allowed to run given the current
// online state (spec.md §4.2).
type NetworkMode string

const (
	// NetworkOnline only runs while online; it pauses otherwise.
	NetworkOnline NetworkMode = "online"
	// NetworkAlways ignores the online tracker entirely.
	NetworkAlways NetworkMode = "always"
	// NetworkOfflineFirst always runs the first attempt, then gates
	// subsequent retries on the online tracker.
	NetworkOfflineFirst NetworkMode = "offlineFirst"
)

// canFetch reports spec.md §4.2's canFetch(networkMode): true except
// NetworkOnline while offline.
func (m NetworkMode) canFetch(online bool) bool {
	if m == NetworkOnline {
		return online
	}
	return true
}

// RetryPredicate decides whether an attempt should be retried given the
// number of prior failures and the error from the last one. Construct one
// with RetryCount, RetryAlways, RetryNever or RetryWhen; it is the "sum
// type" spoken of in spec.md §9's "dynamic option typing" design note.
type RetryPredicate func(failureCount int, err error) bool

// RetryNever never retries.
func RetryNever() RetryPredicate { return func(int, error) bool { return false } }

// RetryAlways retries forever.
func RetryAlways() RetryPredicate { return func(int, error) bool { return true } }

// RetryCount retries up to n times.
func RetryCount(n int) RetryPredicate {
	return func(failureCount int, _ error) bool { return failureCount <= n }
}

// RetryWhen wraps an arbitrary predicate.
func RetryWhen(fn func(failureCount int, err error) bool) RetryPredicate {
	return RetryPredicate(fn)
}

// RetryDelayFunc computes the delay before the next attempt.
type RetryDelayFunc func(failureCount int, err error) time.Duration

// RetryDelayConstant always waits d.
func RetryDelayConstant(d time.Duration) RetryDelayFunc {
	return func(int, error) time.Duration { return d }
}

// DefaultRetryDelay implements spec.md §4.2's default backoff:
// 1000 * 2^failureCount, capped at 30s.
func DefaultRetryDelay(failureCount int, _ error) time.Duration {
	ms := math.Min(float64(1000*(1<<uint(failureCount))), 30000)
	return time.Duration(ms) * time.Millisecond
}

// RetryerConfig configures one Retryer execution (spec.md §4.2).
type RetryerConfig struct {
	ID          string
	Fn          func(ctx context.Context) (interface{}, error)
	Abort       func()
	Retry       RetryPredicate
	RetryDelay  RetryDelayFunc
	NetworkMode NetworkMode
	IsOnline    func() bool

	OnSuccess  func(value interface{})
	OnError    func(err error)
	OnFail     func(failureCount int, err error)
	OnPause    func()
	OnContinue func()

	Events events.EventHandler
	Limit  *rate.Limiter
}

// Retryer executes one attempt function with retry/pause/cancel (spec.md
// §4.2). It is generic over any Fn and driven entirely by the policy in
// RetryerConfig, rather than any one fixed transport.
type Retryer struct {
	cfg RetryerConfig

	mu             sync.Mutex
	failureCount   int
	cancelled      *CancelledError
	retryCancelled bool
	continueCh     chan struct{}
	done           chan struct{}
	result         interface{}
	resultErr      error

	ctx       context.Context
	ctxCancel context.CancelFunc
	signal    *AbortSignal
}

// NewRetryer builds and immediately starts executing cfg in a goroutine.
func NewRetryer(cfg RetryerConfig) *Retryer {
	if cfg.Retry == nil {
		cfg.Retry = RetryCount(3)
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = NetworkOnline
	}
	if cfg.IsOnline == nil {
		cfg.IsOnline = func() bool { return true }
	}
	if cfg.Events == nil {
		cfg.Events = func(events.Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Retryer{
		cfg:        cfg,
		continueCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  cancel,
		signal:     newAbortSignal(ctx),
	}
	go r.run()
	return r
}

// Signal returns the AbortSignal attached to this execution's fetch
// context. Reading it through FetchContext.Signal marks it consumed.
func (r *Retryer) Signal() *AbortSignal { return r.signal }

// Done returns a channel closed once the retryer has produced a final
// result (success or terminal error); it never closes while paused.
func (r *Retryer) Done() <-chan struct{} { return r.done }

// Result returns the final value/error. Only valid after Done() is closed.
func (r *Retryer) Result() (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.resultErr
}

func (r *Retryer) run() {
	defer close(r.done)
	r.cfg.Events(events.FetchStart{ID: r.cfg.ID})
	defer r.cfg.Events(events.FetchStop{ID: r.cfg.ID})

	for {
		if !r.cfg.NetworkMode.canFetch(r.cfg.IsOnline()) {
			r.pauseAndWaitOnline()
			if r.isCancelled() {
				r.finish(nil, r.cancelledErr())
				return
			}
		}

		if r.cfg.Limit != nil {
			_ = r.cfg.Limit.Wait(r.ctx)
		}

		value, err := r.attempt()

		if err == nil {
			r.mu.Lock()
			r.failureCount = 0
			r.mu.Unlock()
			if r.cfg.OnSuccess != nil {
				r.cfg.OnSuccess(value)
			}
			r.cfg.Events(events.Success{ID: r.cfg.ID})
			r.finish(value, nil)
			return
		}

		if r.isCancelled() {
			r.finish(nil, r.cancelledErr())
			return
		}

		r.mu.Lock()
		r.failureCount++
		fc := r.failureCount
		retryCancelled := r.retryCancelled
		r.mu.Unlock()

		if r.cfg.OnFail != nil {
			r.cfg.OnFail(fc, err)
		}
		r.cfg.Events(events.AttemptError{ID: r.cfg.ID, Attempt: fc, Error: err})

		if retryCancelled || !r.cfg.Retry(fc, err) {
			if r.cfg.OnError != nil {
				r.cfg.OnError(err)
			}
			r.finish(nil, err)
			return
		}

		delay := r.cfg.RetryDelay(fc, err)
		r.cfg.Events(events.RetryAttempt{ID: r.cfg.ID, Attempt: fc, Sleep: delay, Error: err})

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			if r.isCancelled() {
				r.finish(nil, r.cancelledErr())
				return
			}
		}

		// Retries under NetworkOnline and NetworkOfflineFirst wait for the
		// online tracker before the next attempt.
		if r.cfg.NetworkMode != NetworkAlways && !r.cfg.IsOnline() {
			r.pauseAndWaitOnline()
			if r.isCancelled() {
				r.finish(nil, r.cancelledErr())
				return
			}
		}
	}
}

func (r *Retryer) attempt() (interface{}, error) {
	return r.cfg.Fn(r.signal.ctx)
}

func (r *Retryer) pauseAndWaitOnline() {
	if r.cfg.OnPause != nil {
		r.cfg.OnPause()
	}
	r.cfg.Events(events.Paused{ID: r.cfg.ID})
	for {
		select {
		case <-r.continueCh:
		case <-r.ctx.Done():
			return
		}
		if r.cfg.NetworkMode.canFetch(r.cfg.IsOnline()) || r.isCancelled() {
			if r.cfg.OnContinue != nil {
				r.cfg.OnContinue()
			}
			r.cfg.Events(events.Continued{ID: r.cfg.ID})
			return
		}
	}
}

func (r *Retryer) finish(value interface{}, err error) {
	r.mu.Lock()
	r.result, r.resultErr = value, err
	r.mu.Unlock()
}

// Cancel aborts the in-flight attempt and records a CancelledError with the
// given options (spec.md §4.2/§5). If the user function observed the
// signal, the attempt is considered cancelled at the next check; if it did
// not, the in-flight attempt is still allowed to settle (the caller of
// Retryer decides, via Signal().Consumed(), whether to also revert).
func (r *Retryer) Cancel(opts CancelOptions) {
	r.mu.Lock()
	if r.cancelled == nil {
		r.cancelled = &CancelledError{Revert: opts.Revert, Silent: opts.Silent}
	}
	r.mu.Unlock()
	if r.cfg.Abort != nil {
		r.cfg.Abort()
	}
	r.ctxCancel()
}

// CancelRetry quietly drops the retry loop but lets the active attempt
// settle so its result can still be cached (spec.md §4.2).
func (r *Retryer) CancelRetry() {
	r.mu.Lock()
	r.retryCancelled = true
	r.mu.Unlock()
}

// ContinueRetry clears a prior CancelRetry flag.
func (r *Retryer) ContinueRetry() {
	r.mu.Lock()
	r.retryCancelled = false
	r.mu.Unlock()
}

// Continue wakes a paused retryer, e.g. when the online tracker flips on.
func (r *Retryer) Continue() {
	select {
	case r.continueCh <- struct{}{}:
	default:
	}
}

func (r *Retryer) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled != nil
}

func (r *Retryer) cancelledErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// CancelOptions parameterizes Retryer.Cancel / Entry.cancel / Client.Cancel.
type CancelOptions struct {
	Revert bool
	Silent bool
}

// AbortSignal is the AbortSignal-shaped value attached to a fetch context
// (spec.md §6). Reading it via an Entry's fetch context flips consumed to
// true; Retryer.Cancel always aborts the underlying context regardless of
// whether the signal was ever read.
type AbortSignal struct {
	ctx context.Context

	mu        sync.Mutex
	consumed  bool
	onAbort   func()
	listeners []func()
}

func newAbortSignal(ctx context.Context) *AbortSignal {
	s := &AbortSignal{ctx: ctx}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		onAbort := s.onAbort
		ls := append([]func(){}, s.listeners...)
		s.mu.Unlock()
		if onAbort != nil {
			onAbort()
		}
		for _, l := range ls {
			l()
		}
	}()
	return s
}

// Aborted reports whether the signal has fired.
func (s *AbortSignal) Aborted() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// AddEventListener registers fn to run when the signal aborts.
func (s *AbortSignal) AddEventListener(_ string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnAbort sets the single onabort handler, mirroring the DOM property
// setter semantics (last write wins).
func (s *AbortSignal) OnAbort(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAbort = fn
}

// markConsumed records that a fetch context's signal accessor was read.
func (s *AbortSignal) markConsumed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = true
}

// Consumed reports whether the signal was ever read off the fetch context.
func (s *AbortSignal) Consumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}
