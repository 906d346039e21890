package qcache

import (
	"context"
	"sync"
	"time"

	"github.com/asyncquery/qcache/events"
)

// EntryStatus is the coarse lifecycle stage of an Entry (spec.md §3).
type EntryStatus string

const (
	StatusLoading EntryStatus = "loading"
	StatusSuccess EntryStatus = "success"
	StatusError   EntryStatus = "error"
)

// FetchStatus describes whether an Entry currently has a Retryer driving it
// (spec.md §3).
type FetchStatus string

const (
	FetchIdle     FetchStatus = "idle"
	FetchFetching FetchStatus = "fetching"
	FetchPaused   FetchStatus = "paused"
)

// EntryState is the state tuple of spec.md §3, factored out of Entry so it
// can be snapshotted wholesale (initialState, revertState, hydration).
type EntryState struct {
	Data            interface{}
	HasData         bool
	DataUpdatedAt   time.Time
	DataUpdateCount int

	Err              error
	ErrorUpdatedAt   time.Time
	ErrorUpdateCount int

	FetchFailureCount  int
	FetchFailureReason error
	FetchMeta          interface{}
	IsInvalidated      bool

	Status      EntryStatus
	FetchStatus FetchStatus
}

// entryEnv bundles the collaborators an Entry needs but does not own,
// supplied by the owning EntryCache/Client (spec.md §3's ownership rule:
// "Each Entry is exclusively owned by exactly one EntryCache").
type entryEnv struct {
	notify  *NotifyManager
	online  *OnlineTracker
	logger  Logger
	metrics *metricsSink
	events  events.EventHandler

	onSuccess func(e *Entry, data interface{})
	onError   func(e *Entry, err error)
	onUpdated func(e *Entry, action string)
}

// Entry is the per-key cached state described in spec.md §3-4.3 (the
// "Query" in the source this spec distills).
type Entry struct {
	removable

	key  Key
	hash string
	env  *entryEnv

	mu    sync.RWMutex
	state EntryState

	options      EntryOptions
	observers    map[*EntryObserver]struct{}
	promise      *fetchPromise
	retryer      *Retryer
	initialState EntryState
	revertState  *EntryState

	abortSignalConsumed bool
	currentSignal       *AbortSignal

	onRemoveSelfMu sync.Mutex
	onRemoveSelf   func()
}

// fetchPromise lets concurrent Fetch callers await the same in-flight
// attempt (spec.md §5: "Two concurrent fetch calls for the same Entry
// share the same promise").
type fetchPromise struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newFetchPromise() *fetchPromise { return &fetchPromise{done: make(chan struct{})} }

func (p *fetchPromise) settle(value interface{}, err error) {
	p.value, p.err = value, err
	close(p.done)
}

func (p *fetchPromise) wait(ctx context.Context) (interface{}, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newEntry(key Key, hash string, env *entryEnv, opts EntryOptions) *Entry {
	e := &Entry{
		key:       key,
		hash:      hash,
		env:       env,
		options:   opts,
		observers: make(map[*EntryObserver]struct{}),
		state: EntryState{
			Status:      StatusLoading,
			FetchStatus: FetchIdle,
		},
	}
	e.initialState = e.state
	return e
}

// Key returns the entry's key.
func (e *Entry) Key() Key { return e.key }

// Hash returns the entry's cache hash.
func (e *Entry) Hash() string { return e.hash }

// State returns a snapshot of the entry's state tuple.
func (e *Entry) State() EntryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Entry) Status() EntryStatus           { return e.State().Status }
func (e *Entry) FetchStatus() FetchStatus      { return e.State().FetchStatus }
func (e *Entry) IsInvalidated() bool           { return e.State().IsInvalidated }
func (e *Entry) FetchFailureCount() int        { return e.State().FetchFailureCount }
func (e *Entry) FetchFailureReason() error     { return e.State().FetchFailureReason }
func (e *Entry) Data() (interface{}, bool)     { s := e.State(); return s.Data, s.HasData }
func (e *Entry) DataUpdatedAt() time.Time      { return e.State().DataUpdatedAt }
func (e *Entry) Err() error                    { return e.State().Err }
func (e *Entry) DataUpdateCount() int          { return e.State().DataUpdateCount }
func (e *Entry) ErrorUpdateCount() int         { return e.State().ErrorUpdateCount }

// ---- reducer actions (spec.md §4.3 table) ----

func (e *Entry) dispatch(action string, fn func(*EntryState)) {
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
	if e.env != nil && e.env.onUpdated != nil {
		e.env.onUpdated(e, action)
	}
}

func (e *Entry) actionFetch(meta interface{}, canFetch bool) {
	e.dispatch("fetch", func(s *EntryState) {
		s.FetchFailureCount = 0
		s.FetchMeta = meta
		if canFetch {
			s.FetchStatus = FetchFetching
		} else {
			s.FetchStatus = FetchPaused
		}
		if s.DataUpdatedAt.IsZero() {
			s.Status = StatusLoading
			s.Err = nil
		}
	})
}

func (e *Entry) actionFailed(n int, err error) {
	e.dispatch("failed", func(s *EntryState) {
		s.FetchFailureCount = n
		s.FetchFailureReason = err
	})
	if e.env != nil {
		e.env.metrics.IncrCounter("entry.retry", 1)
	}
}

func (e *Entry) actionPause() {
	e.dispatch("pause", func(s *EntryState) { s.FetchStatus = FetchPaused })
	if e.env != nil {
		e.env.metrics.IncrCounter("entry.paused", 1)
	}
}

func (e *Entry) actionContinue() {
	e.dispatch("continue", func(s *EntryState) { s.FetchStatus = FetchFetching })
	if e.env != nil {
		e.env.metrics.IncrCounter("entry.continued", 1)
	}
}

func (e *Entry) actionSuccess(data interface{}, at time.Time, manual bool) {
	e.mu.Lock()
	prev := e.state.Data
	hadData := e.state.HasData
	var prevVal interface{}
	if hadData {
		prevVal = prev
	}
	merged := replaceData(prevVal, data, e.options.sharing())
	if at.IsZero() {
		at = time.Now()
	}
	e.state.Data = merged
	e.state.HasData = true
	e.state.DataUpdateCount++
	e.state.DataUpdatedAt = at
	e.state.Err = nil
	e.state.IsInvalidated = false
	e.state.Status = StatusSuccess
	if !manual {
		e.state.FetchStatus = FetchIdle
		e.state.FetchFailureCount = 0
		e.state.FetchFailureReason = nil
	}
	e.mu.Unlock()
	if e.env != nil {
		e.env.metrics.IncrCounter("entry.success", 1)
	}
	if e.env != nil && e.env.onUpdated != nil {
		e.env.onUpdated(e, "success")
	}
}

func (e *Entry) actionError(err error) {
	if ce, ok := err.(*CancelledError); ok {
		if ce.Revert && e.revertState != nil {
			e.mu.Lock()
			e.state = *e.revertState
			e.revertState = nil
			e.mu.Unlock()
			if e.env != nil && e.env.onUpdated != nil {
				e.env.onUpdated(e, "rollback")
			}
			return
		}
		if ce.Silent {
			return
		}
	}
	e.dispatch("error", func(s *EntryState) {
		s.Err = err
		s.ErrorUpdateCount++
		s.ErrorUpdatedAt = time.Now()
		s.FetchFailureCount++
		s.FetchFailureReason = err
		s.FetchStatus = FetchIdle
		s.Status = StatusError
	})
	if e.env != nil {
		e.env.metrics.IncrCounter("entry.error", 1)
	}
}

func (e *Entry) actionInvalidate() {
	e.dispatch("invalidate", func(s *EntryState) { s.IsInvalidated = true })
}

// SetState applies an explicit external patch (used by Hydrate).
func (e *Entry) SetState(partial EntryState) {
	e.dispatch("setState", func(s *EntryState) { *s = partial })
}

// ---- staleness (spec.md §4.3) ----

// IsStale reports spec.md's isStale(): invalidated, never-fetched, or any
// observer's own staleness opinion.
func (e *Entry) IsStale() bool {
	s := e.State()
	if s.IsInvalidated || s.DataUpdatedAt.IsZero() {
		return true
	}
	e.mu.RLock()
	obs := make([]*EntryObserver, 0, len(e.observers))
	for o := range e.observers {
		obs = append(obs, o)
	}
	e.mu.RUnlock()
	for _, o := range obs {
		if o.thinksStale() {
			return true
		}
	}
	return false
}

// IsStaleByTime reports spec.md's isStaleByTime(st).
func (e *Entry) IsStaleByTime(staleTime time.Duration) bool {
	s := e.State()
	if s.IsInvalidated || s.DataUpdatedAt.IsZero() {
		return true
	}
	if staleTime == Infinite {
		return false
	}
	return time.Now().After(s.DataUpdatedAt.Add(staleTime)) || time.Now().Equal(s.DataUpdatedAt.Add(staleTime))
}

// ---- observers ----

func (e *Entry) addObserver(o *EntryObserver) {
	e.mu.Lock()
	e.observers[o] = struct{}{}
	e.mu.Unlock()
	e.clearGC()
	if e.env != nil && e.env.events != nil {
		e.env.events(events.ObserverAdded{ID: e.hash})
	}
}

func (e *Entry) removeObserver(o *EntryObserver) {
	e.mu.Lock()
	delete(e.observers, o)
	remaining := len(e.observers)
	retryer := e.retryer
	signal := e.currentSignal
	consumed := e.abortSignalConsumed
	e.mu.Unlock()

	if e.env != nil && e.env.events != nil {
		e.env.events(events.ObserverRemoved{ID: e.hash})
	}

	if remaining == 0 && retryer != nil {
		if signal != nil && consumed {
			e.cancel(CancelOptions{Revert: true})
		} else if retryer != nil {
			retryer.CancelRetry()
		}
	}

	if remaining == 0 {
		e.scheduleSelfGC()
	}
}

func (e *Entry) observerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.observers)
}

func (e *Entry) isActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for o := range e.observers {
		if o.enabled() {
			return true
		}
	}
	return false
}

func (e *Entry) scheduleSelfGC() {
	cacheTime := e.options.CacheTime
	if cacheTime == 0 {
		cacheTime = 5 * time.Minute
	}
	if e.FetchStatus() != FetchIdle {
		return
	}
	e.scheduleGC(cacheTime, func() {
		if e.observerCount() == 0 && e.FetchStatus() == FetchIdle {
			if e.env != nil {
				e.env.metrics.IncrCounter("entry.gc_removed", 1)
				if e.env.events != nil {
					e.env.events(events.Removed{ID: e.hash})
				}
			}
			e.onRemoveSelfMu.Lock()
			fn := e.onRemoveSelf
			e.onRemoveSelfMu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
}

// onRemoveSelf is wired by EntryCache.build to actually delete the entry
// from the map; kept separate from env so Entry has no upward pointer to
// the cache itself (ownership is one-directional: cache -> entry).
func (e *Entry) setRemoveSelf(fn func()) { e.onRemoveSelfMu.Lock(); e.onRemoveSelf = fn; e.onRemoveSelfMu.Unlock() }

// ---- fetch ----

// consumeSignal marks the signal as read and returns it.
func (e *Entry) consumeSignal() *AbortSignal {
	e.mu.Lock()
	e.abortSignalConsumed = true
	sig := e.currentSignal
	e.mu.Unlock()
	if sig != nil {
		sig.markConsumed()
	}
	return sig
}

// Fetch implements spec.md §4.3's public fetch() method.
func (e *Entry) Fetch(ctx context.Context, opts FetchOptions) (interface{}, error) {
	e.mu.Lock()
	status := e.state.FetchStatus
	hasData := !e.state.DataUpdatedAt.IsZero()
	existing := e.promise
	retryer := e.retryer
	e.mu.Unlock()

	if status != FetchIdle {
		if hasData && opts.CancelRefetch {
			e.cancel(CancelOptions{Silent: true})
		} else {
			if retryer != nil {
				retryer.ContinueRetry()
			}
			if existing != nil {
				return existing.wait(ctx)
			}
		}
	}

	fetchFn := e.options.FetchFn
	if fetchFn == nil {
		fetchFn = e.fallbackFetchFn()
	}
	if fetchFn == nil {
		err := ErrMissingFetcher
		if e.env != nil && e.env.logger != nil {
			e.env.logger.Warn("qcache: missing fetcher", "hash", e.hash)
		}
		return nil, err
	}

	meta := opts.Meta
	if meta == nil {
		meta = e.options.Meta
	}

	promise := newFetchPromise()
	e.mu.Lock()
	// same meta *pointer* already fetching -> dedup without re-dispatch
	// (spec.md §9 open question: identity, not value, comparison).
	samePointer := e.state.FetchStatus == FetchFetching && metaSamePointer(e.state.FetchMeta, meta)
	e.promise = promise
	snapshot := e.state
	e.mu.Unlock()

	if !samePointer {
		online := true
		if e.env != nil && e.env.online != nil {
			online = e.env.online.IsOnline()
		}
		canFetch := e.options.NetworkMode.canFetch(online)
		e.revertState = cloneState(snapshot)
		e.actionFetch(meta, canFetch)
	}

	fctx := &FetchContext{
		Key:     e.key,
		Meta:    meta,
		State:   e.State(),
		Options: e.options,
		FetchFn: fetchFn,
		entry:   e,
	}
	if e.options.OnFetchBehavior != nil {
		e.options.OnFetchBehavior(fctx)
	}

	var ev events.EventHandler
	var onlineFn func() bool
	if e.env != nil {
		ev = e.env.events
		if e.env.online != nil {
			onlineFn = e.env.online.IsOnline
		}
	}

	r := NewRetryer(RetryerConfig{
		ID:          e.hash,
		Fn:          func(ctx context.Context) (interface{}, error) { return fctx.FetchFn(ctx, fctx) },
		Retry:       e.options.Retry,
		RetryDelay:  e.options.RetryDelay,
		NetworkMode: e.options.NetworkMode,
		IsOnline:    onlineFn,
		Events:      ev,
		OnFail:      func(n int, err error) { e.actionFailed(n, err) },
		OnPause:     func() { e.actionPause() },
		OnContinue:  func() { e.actionContinue() },
	})

	e.mu.Lock()
	e.retryer = r
	e.currentSignal = r.Signal()
	e.abortSignalConsumed = false
	e.mu.Unlock()

	go func() {
		<-r.Done()
		value, err := r.Result()

		if err == nil {
			if value == nil {
				uerr := ErrUndefinedResult
				e.actionError(uerr)
				promise.settle(nil, uerr)
			} else {
				e.SetData(value, SetDataOptions{})
				if e.env != nil && e.env.onSuccess != nil {
					e.env.onSuccess(e, value)
				}
				promise.settle(value, nil)
			}
		} else {
			e.actionError(err)
			if !IsCancelled(err) && e.env != nil && e.env.onError != nil {
				e.env.onError(e, err)
			}
			promise.settle(nil, err)
		}

		if e.observerCount() == 0 {
			e.scheduleSelfGC()
		}
	}()

	if opts.Throw {
		return promise.wait(ctx)
	}
	v, err := promise.wait(ctx)
	return v, err
}

func metaSamePointer(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	defer func() { recover() }()
	return a == b
}

func cloneState(s EntryState) *EntryState {
	c := s
	return &c
}

// fallbackFetchFn uses the first observer's FetchFn, covering the
// post-hydration case described in spec.md §4.3.
func (e *Entry) fallbackFetchFn() FetchFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for o := range e.observers {
		if fn := o.fetchFn(); fn != nil {
			return fn
		}
	}
	return nil
}

// SetDataOptions parameterizes Entry.SetData (spec.md §4.3).
type SetDataOptions struct {
	UpdatedAt time.Time
	Manual    bool
}

// SetData applies structural sharing then the success action (spec.md
// §4.3). Manual=true does not reset fetchStatus.
func (e *Entry) SetData(value interface{}, opts SetDataOptions) {
	at := opts.UpdatedAt
	if !at.IsZero() {
		if cur := e.DataUpdatedAt(); !cur.IsZero() && at.Before(cur) {
			// An explicit, older updatedAt than what's stored is dropped
			// (spec.md §3's monotonicity invariant, hydrate escape hatch).
			return
		}
	}
	e.actionSuccess(value, at, opts.Manual)
}

// Cancel forwards to the active Retryer (spec.md §4.3).
func (e *Entry) Cancel(opts CancelOptions) { e.cancel(opts) }

func (e *Entry) cancel(opts CancelOptions) {
	e.mu.RLock()
	r := e.retryer
	e.mu.RUnlock()
	if r != nil {
		r.Cancel(opts)
	}
}

// OnFocus implements spec.md §4.3's onFocus hook.
func (e *Entry) OnFocus() {
	e.mu.RLock()
	obs := make([]*EntryObserver, 0, len(e.observers))
	for o := range e.observers {
		obs = append(obs, o)
	}
	retryer := e.retryer
	e.mu.RUnlock()

	for _, o := range obs {
		if o.shouldFetchOn(e, o.opts().RefetchOnWindowFocus) {
			_, _ = e.Fetch(context.Background(), FetchOptions{CancelRefetch: false})
			break
		}
	}
	if retryer != nil {
		retryer.Continue()
	}
}

// OnOnline implements spec.md §4.3's onOnline hook.
func (e *Entry) OnOnline() {
	e.mu.RLock()
	obs := make([]*EntryObserver, 0, len(e.observers))
	for o := range e.observers {
		obs = append(obs, o)
	}
	retryer := e.retryer
	e.mu.RUnlock()

	for _, o := range obs {
		if o.shouldFetchOn(e, o.opts().RefetchOnReconnect) {
			_, _ = e.Fetch(context.Background(), FetchOptions{CancelRefetch: false})
			break
		}
	}
	if retryer != nil {
		retryer.Continue()
	}
}
