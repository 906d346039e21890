package qcache

import (
	"context"
	"sync"

	"github.com/asyncquery/qcache/events"
)

// MutationStatus is the coarse lifecycle stage of a Mutation (spec.md §4.8).
type MutationStatus string

const (
	MutationIdle    MutationStatus = "idle"
	MutationLoading MutationStatus = "loading"
	MutationSuccess MutationStatus = "success"
	MutationError   MutationStatus = "error"
)

// MutationFn performs the write itself.
type MutationFn func(ctx context.Context, variables interface{}) (interface{}, error)

// MutationOptions configures one Mutation (spec.md §4.8).
type MutationOptions struct {
	MutationFn  MutationFn
	MutationKey Key
	Meta        interface{}

	Retry       RetryPredicate
	RetryDelay  RetryDelayFunc
	NetworkMode NetworkMode

	OnMutate  func(variables interface{}) (context interface{}, err error)
	OnSuccess func(data, variables, context interface{})
	OnError   func(err error, variables, context interface{})
	OnSettled func(data interface{}, err error, variables, context interface{})
}

// MutationState is the state tuple of spec.md §4.8.
type MutationState struct {
	Status        MutationStatus
	Variables     interface{}
	Context       interface{}
	Data          interface{}
	Error         error
	FailureCount  int
	FailureReason error
	IsPaused      bool
}

// mutationEnv bundles the collaborators a Mutation needs but does not own,
// mirroring Entry's entryEnv (spec.md §3's single-owner rule extended to
// mutations by §4.8).
type mutationEnv struct {
	notify  *NotifyManager
	online  *OnlineTracker
	logger  Logger
	events  events.EventHandler
	metrics *metricsSink

	onMutate  func(m *Mutation, variables interface{})
	onSuccess func(m *Mutation, data, variables, context interface{})
	onError   func(m *Mutation, err error, variables, context interface{})
	onSettled func(m *Mutation, data interface{}, err error, variables, context interface{})
	onUpdated func(m *Mutation, action string)
}

// Mutation is a one-shot write with an optimistic/paused lifecycle (spec.md
// §4.8), structurally the write-side counterpart of Entry.
type Mutation struct {
	removable

	id  string
	env *mutationEnv

	mu      sync.RWMutex
	state   MutationState
	options MutationOptions

	observers map[*MutationObserver]struct{}
	retryer   *Retryer

	doneCh    chan struct{}
	doneOnce  sync.Once

	onRemoveSelf func()
}

func newMutation(id string, env *mutationEnv, opts MutationOptions) *Mutation {
	return &Mutation{
		id:        id,
		env:       env,
		options:   opts,
		observers: make(map[*MutationObserver]struct{}),
		state:     MutationState{Status: MutationIdle},
		doneCh:    make(chan struct{}),
	}
}

// Done is closed once Execute has returned (success or error). Used by
// MutationCache.resumePausedMutations to wait for each resumed mutation in
// turn before starting the next (spec.md §4.8, §8: "mutation resume order
// equals mutation insertion order").
func (m *Mutation) Done() <-chan struct{} { return m.doneCh }

// MutationKey returns the mutation's grouping key, which may be empty.
func (m *Mutation) MutationKey() Key { return m.options.MutationKey }

// State returns a snapshot of the mutation's state tuple.
func (m *Mutation) State() MutationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Mutation) Status() MutationStatus { return m.State().Status }

func (m *Mutation) dispatch(action string, fn func(*MutationState)) {
	m.mu.Lock()
	fn(&m.state)
	m.mu.Unlock()
	if m.env != nil && m.env.onUpdated != nil {
		m.env.onUpdated(m, action)
	}
}

func (m *Mutation) actionLoading(variables interface{}) {
	m.dispatch("loading", func(s *MutationState) {
		*s = MutationState{Status: MutationLoading, Variables: variables}
	})
}

func (m *Mutation) actionPause() {
	m.dispatch("pause", func(s *MutationState) { s.IsPaused = true })
	if m.env != nil {
		m.env.metrics.IncrCounter("mutation.paused", 1)
	}
}

func (m *Mutation) actionContinue() {
	m.dispatch("continue", func(s *MutationState) { s.IsPaused = false })
	if m.env != nil {
		m.env.metrics.IncrCounter("mutation.continued", 1)
	}
}

func (m *Mutation) actionFailed(n int, reason error) {
	m.dispatch("failed", func(s *MutationState) {
		s.FailureCount = n
		s.FailureReason = reason
	})
	if m.env != nil {
		m.env.metrics.IncrCounter("mutation.retry", 1)
	}
}

func (m *Mutation) actionSuccess(data interface{}) {
	m.dispatch("success", func(s *MutationState) {
		s.Status = MutationSuccess
		s.Data = data
		s.Error = nil
		s.IsPaused = false
	})
	if m.env != nil {
		m.env.metrics.IncrCounter("mutation.success", 1)
	}
}

func (m *Mutation) actionError(err error) {
	m.dispatch("error", func(s *MutationState) {
		s.Status = MutationError
		s.Error = err
		s.IsPaused = false
	})
	if m.env != nil {
		m.env.metrics.IncrCounter("mutation.error", 1)
	}
}

// SetState applies an explicit external patch (used by Hydrate).
func (m *Mutation) SetState(partial MutationState) {
	m.dispatch("setState", func(s *MutationState) { *s = partial })
}

func (m *Mutation) setContext(ctx interface{}) {
	m.mu.Lock()
	m.state.Context = ctx
	m.mu.Unlock()
}

func (m *Mutation) addObserver(o *MutationObserver) {
	m.mu.Lock()
	m.observers[o] = struct{}{}
	m.mu.Unlock()
	m.clearGC()
}

func (m *Mutation) removeObserver(o *MutationObserver) {
	m.mu.Lock()
	delete(m.observers, o)
	remaining := len(m.observers)
	m.mu.Unlock()
	if remaining == 0 {
		m.scheduleGC(0, func() {
			if m.env != nil && m.env.events != nil {
				m.env.events(events.Removed{ID: m.id})
			}
		})
	}
}

// setRemoveSelf records the callback MutationCache.Build wires up to delete
// the mutation from the cache.
func (m *Mutation) setRemoveSelf(fn func()) { m.mu.Lock(); m.onRemoveSelf = fn; m.mu.Unlock() }

// Execute runs the mutation's full sequence (spec.md §4.8):
// loading -> onMutate -> mutationFn (under Retryer) -> success|error, each
// step followed by the per-mutation then the cache-level hooks.
func (m *Mutation) Execute(ctx context.Context, variables interface{}) (interface{}, error) {
	defer m.doneOnce.Do(func() { close(m.doneCh) })
	m.actionLoading(variables)

	var mutCtx interface{}
	if m.options.OnMutate != nil {
		c, err := m.options.OnMutate(variables)
		mutCtx = c
		if err != nil && m.env != nil && m.env.logger != nil {
			m.env.logger.Warn("qcache: onMutate failed", "error", err)
		}
	}
	m.setContext(mutCtx)
	if m.env != nil && m.env.onMutate != nil {
		m.env.onMutate(m, variables)
	}

	online := true
	if m.env != nil && m.env.online != nil {
		online = m.env.online.IsOnline()
	}
	var onlineFn func() bool
	var ev events.EventHandler
	if m.env != nil {
		if m.env.online != nil {
			onlineFn = m.env.online.IsOnline
		}
		ev = m.env.events
	}
	_ = online

	r := NewRetryer(RetryerConfig{
		ID:          m.id,
		Fn:          func(ctx context.Context) (interface{}, error) { return m.options.MutationFn(ctx, variables) },
		Retry:       m.options.Retry,
		RetryDelay:  m.options.RetryDelay,
		NetworkMode: m.options.NetworkMode,
		IsOnline:    onlineFn,
		Events:      ev,
		OnFail:      func(n int, err error) { m.actionFailed(n, err) },
		OnPause:     func() { m.actionPause() },
		OnContinue:  func() { m.actionContinue() },
	})
	m.mu.Lock()
	m.retryer = r
	m.mu.Unlock()

	<-r.Done()
	value, err := r.Result()

	if err == nil {
		m.actionSuccess(value)
		if m.options.OnSuccess != nil {
			m.options.OnSuccess(value, variables, mutCtx)
		}
		if m.env != nil && m.env.onSuccess != nil {
			m.env.onSuccess(m, value, variables, mutCtx)
		}
		if m.options.OnSettled != nil {
			m.options.OnSettled(value, nil, variables, mutCtx)
		}
		if m.env != nil && m.env.onSettled != nil {
			m.env.onSettled(m, value, nil, variables, mutCtx)
		}
		return value, nil
	}

	m.actionError(err)
	if m.options.OnError != nil {
		m.options.OnError(err, variables, mutCtx)
	}
	if m.env != nil && m.env.onError != nil {
		m.env.onError(m, err, variables, mutCtx)
	}
	if m.options.OnSettled != nil {
		m.options.OnSettled(nil, err, variables, mutCtx)
	}
	if m.env != nil && m.env.onSettled != nil {
		m.env.onSettled(m, nil, err, variables, mutCtx)
	}
	return nil, err
}

// Cancel forwards to the active Retryer, if any.
func (m *Mutation) Cancel(opts CancelOptions) {
	m.mu.RLock()
	r := m.retryer
	m.mu.RUnlock()
	if r != nil {
		r.Cancel(opts)
	}
}

// Continue wakes a paused mutation's retryer, used by resumePausedMutations.
func (m *Mutation) Continue() {
	m.mu.RLock()
	r := m.retryer
	m.mu.RUnlock()
	if r != nil {
		r.Continue()
	}
}
