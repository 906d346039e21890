package qcache

import (
	"context"
	"sync"
)

// MutationResult is the derived, per-subscriber view of a Mutation (spec.md
// §4.8: "Observers of a mutation project its state plus boolean
// projections").
type MutationResult struct {
	Data      interface{}
	Error     error
	Variables interface{}
	Context   interface{}

	Status   MutationStatus
	IsIdle   bool
	IsLoading bool
	IsSuccess bool
	IsError   bool
	IsPaused  bool

	FailureCount  int
	FailureReason error
}

// MutationObserver derives a MutationResult for one Mutation instance and
// exposes mutate/reset (spec.md §4.8).
type MutationObserver struct {
	client  *Client
	options MutationOptions

	mu            sync.Mutex
	mutation      *Mutation
	currentResult MutationResult
	listeners     map[int]func(MutationResult)
	nextListener  int
}

// NewMutationObserver builds an observer; it does not execute anything
// until Mutate is called (spec.md §4.8's "created by mutate" wording refers
// to the Mutation instance, not the observer, which may be reused across
// calls the way a React hook instance is).
func NewMutationObserver(client *Client, opts MutationOptions) *MutationObserver {
	o := &MutationObserver{
		client:    client,
		options:   opts,
		listeners: make(map[int]func(MutationResult)),
	}
	o.currentResult = MutationResult{Status: MutationIdle, IsIdle: true}
	return o
}

// Subscribe registers fn for result updates.
func (o *MutationObserver) Subscribe(fn func(MutationResult)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// GetCurrentResult returns the most recently derived result.
func (o *MutationObserver) GetCurrentResult() MutationResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentResult
}

// Mutate builds a fresh Mutation from the observer's options and executes
// it, updating the observer's result at each transition (spec.md §4.8).
func (o *MutationObserver) Mutate(ctx context.Context, variables interface{}) (interface{}, error) {
	opts := o.options
	m := o.client.mutations.Build(opts)

	o.mu.Lock()
	o.mutation = m
	o.mu.Unlock()
	m.addObserver(o)
	o.onMutationUpdate("loading")

	return m.Execute(ctx, variables)
}

// Reset clears the observer back to idle, detaching from its last Mutation.
func (o *MutationObserver) Reset() {
	o.mu.Lock()
	prev := o.mutation
	o.mutation = nil
	o.currentResult = MutationResult{Status: MutationIdle, IsIdle: true}
	listeners := o.snapshotListenersLocked()
	o.mu.Unlock()

	if prev != nil {
		prev.removeObserver(o)
	}
	for _, l := range listeners {
		l(o.GetCurrentResult())
	}
}

func (o *MutationObserver) snapshotListenersLocked() []func(MutationResult) {
	out := make([]func(MutationResult), 0, len(o.listeners))
	for _, l := range o.listeners {
		out = append(out, l)
	}
	return out
}

// onMutationUpdate re-derives the result from the tracked Mutation's state
// and notifies listeners through the Client's NotifyManager.
func (o *MutationObserver) onMutationUpdate(string) {
	o.mu.Lock()
	m := o.mutation
	o.mu.Unlock()
	if m == nil {
		return
	}

	s := m.State()
	r := MutationResult{
		Data:          s.Data,
		Error:         s.Error,
		Variables:     s.Variables,
		Context:       s.Context,
		Status:        s.Status,
		IsIdle:        s.Status == MutationIdle,
		IsLoading:     s.Status == MutationLoading,
		IsSuccess:     s.Status == MutationSuccess,
		IsError:       s.Status == MutationError,
		IsPaused:      s.IsPaused,
		FailureCount:  s.FailureCount,
		FailureReason: s.FailureReason,
	}

	o.mu.Lock()
	o.currentResult = r
	listeners := o.snapshotListenersLocked()
	o.mu.Unlock()

	if o.client != nil && o.client.notify != nil {
		o.client.notify.Schedule(func() {
			for _, l := range listeners {
				l(r)
			}
		})
	}
}
