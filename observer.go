package qcache

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// SelectFunc derives a selected/projected value from an entry's data.
type SelectFunc func(data interface{}) (interface{}, error)

// PlaceholderDataFunc computes placeholder data lazily.
type PlaceholderDataFunc func() interface{}

// RefetchIntervalFunc computes a dynamic refetch interval from the latest
// data and entry (spec.md §4.5); return <= 0 to disable.
type RefetchIntervalFunc func(data interface{}, e *Entry) time.Duration

// dynamicKind is the tag of the DynamicBool sum type (spec.md §9's "dynamic
// option typing" design note).
type dynamicKind int

const (
	dynBool dynamicKind = iota
	dynAlways
	dynFunc
)

// DynamicBool models the source's `boolean | 'always' | fn` option shape
// used for RefetchOnMount/RefetchOnWindowFocus/RefetchOnReconnect.
type DynamicBool struct {
	kind dynamicKind
	b    bool
	fn   func(*Entry) bool
}

// RefetchAlways always triggers, ignoring staleness.
func RefetchAlways() DynamicBool { return DynamicBool{kind: dynAlways} }

// RefetchIf triggers subject to staleness when b is true, never when false.
func RefetchIf(b bool) DynamicBool { return DynamicBool{kind: dynBool, b: b} }

// RefetchWhen triggers subject to staleness when fn(entry) is true.
func RefetchWhen(fn func(*Entry) bool) DynamicBool { return DynamicBool{kind: dynFunc, fn: fn} }

// evaluate normalizes the option to (value, always) per spec.md §9.
func (d DynamicBool) evaluate(e *Entry) (value bool, always bool) {
	switch d.kind {
	case dynAlways:
		return true, true
	case dynFunc:
		if d.fn == nil {
			return false, false
		}
		return d.fn(e), false
	default:
		return d.b, false
	}
}

// ObserverOptions configures one EntryObserver (spec.md §4.5).
type ObserverOptions struct {
	EntryOptions

	Enabled *bool // nil means true

	Select              SelectFunc
	KeepPreviousData    bool
	PlaceholderData     interface{}
	PlaceholderDataFunc PlaceholderDataFunc

	NotifyOnChangeAll   bool
	NotifyOnChangeProps []string
	UseErrorBoundary    bool

	RefetchOnMount        DynamicBool
	RefetchOnWindowFocus  DynamicBool
	RefetchOnReconnect    DynamicBool
	RefetchInterval       time.Duration
	RefetchIntervalFunc   RefetchIntervalFunc
	RefetchIntervalInBG   bool
	RetryOnMount          *bool
	IsRestoring           bool

	OnSuccess func(data interface{})
	OnError   func(err error)
	OnSettled func(data interface{}, err error)
}

func (o ObserverOptions) isEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// Result is the derived, per-subscriber view of an Entry (spec.md §4.5).
type Result struct {
	Data  interface{}
	Error error

	Status      EntryStatus
	FetchStatus FetchStatus

	IsFetching          bool
	IsLoading           bool
	IsError             bool
	IsSuccess           bool
	IsInitialLoading    bool
	IsFetched           bool
	IsFetchedAfterMount bool
	IsRefetching        bool
	IsLoadingError      bool
	IsRefetchError      bool
	IsPaused            bool
	IsStale             bool
	IsPreviousData      bool
	IsPlaceholderData   bool

	DataUpdatedAt  time.Time
	ErrorUpdatedAt time.Time

	FailureCount  int
	FailureReason error

	Refetch func(ctx context.Context) (interface{}, error)
}

func shallowEqualResult(a, b Result) bool {
	a.Refetch, b.Refetch = nil, nil
	return reflect.DeepEqual(a, b)
}

// EntryObserver derives a per-subscriber Result from an Entry, scheduling
// its own stale/refetch timers (spec.md §4.5).
type EntryObserver struct {
	client *Client
	id     string

	mu                       sync.Mutex
	entry                    *Entry
	options                  ObserverOptions
	currentResult            Result
	currentEntryInitialState EntryState
	previousResult           *Result

	haveSelectMemo   bool
	selectMemoData   interface{}
	selectMemoFnPtr  uintptr
	selectMemoResult interface{}

	trackedProps map[string]struct{}
	trackAll     bool

	listeners      map[int]func(Result)
	nextListenerID int

	staleTimer             *time.Timer
	refetchTimer           *time.Timer
	currentRefetchInterval time.Duration
}

// NewEntryObserver builds (but does not subscribe/activate) an observer for
// key, resolving options through the Client's default-resolution chain.
func NewEntryObserver(client *Client, key Key, opts ObserverOptions) *EntryObserver {
	resolved := client.resolveObserverOptions(key, opts)
	entry := client.entries.build(client, key, resolved.EntryOptions)
	o := &EntryObserver{
		client:       client,
		id:           newID(),
		entry:        entry,
		options:      resolved,
		listeners:    make(map[int]func(Result)),
		trackedProps: make(map[string]struct{}),
	}
	o.currentEntryInitialState = entry.State()
	o.currentResult = o.createResult()
	return o
}

func newID() string {
	id, err := newUUID()
	if err != nil {
		return "observer"
	}
	return id
}

func (o *EntryObserver) opts() ObserverOptions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

func (o *EntryObserver) enabled() bool { return o.opts().isEnabled() }

func (o *EntryObserver) fetchFn() FetchFunc { return o.opts().FetchFn }

// GetCurrentResult returns the most recently derived Result.
func (o *EntryObserver) GetCurrentResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentResult
}

// Subscribe attaches fn as a listener. The first subscriber triggers
// entry attachment, a mount-time fetch (if warranted) and timer start; the
// returned unsubscribe function tears everything down once the last
// listener leaves (spec.md §4.5).
func (o *EntryObserver) Subscribe(fn func(Result)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextListenerID
	o.nextListenerID++
	o.listeners[id] = fn
	first := len(o.listeners) == 1
	o.mu.Unlock()

	if first {
		o.entry.addObserver(o)
		if o.shouldFetchOnMount() {
			go func() { _, _ = o.entry.Fetch(context.Background(), FetchOptions{}) }()
		}
		o.startStaleTimer()
		o.startRefetchTimer()
	}

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		last := len(o.listeners) == 0
		o.mu.Unlock()
		if last {
			o.destroy()
		}
	}
}

func (o *EntryObserver) destroy() {
	o.mu.Lock()
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
	if o.refetchTimer != nil {
		o.refetchTimer.Stop()
		o.refetchTimer = nil
	}
	entry := o.entry
	o.mu.Unlock()
	entry.removeObserver(o)
}

// SetOptions replaces the observer's options, re-derives the result and
// (per spec.md §4.5's shouldFetchOptionally) may trigger a fetch.
func (o *EntryObserver) SetOptions(opts ObserverOptions) {
	resolved := o.client.resolveObserverOptions(o.entry.key, opts)
	o.mu.Lock()
	prevEntry := o.entry
	o.options = resolved
	o.mu.Unlock()

	newEntry := o.client.entries.build(o.client, prevEntry.key, resolved.EntryOptions)
	if newEntry != prevEntry {
		prevEntry.removeObserver(o)
		o.mu.Lock()
		o.entry = newEntry
		o.currentEntryInitialState = newEntry.State()
		o.mu.Unlock()
		newEntry.addObserver(o)
	}

	if o.shouldFetchOptionally(newEntry, prevEntry) {
		go func() { _, _ = newEntry.Fetch(context.Background(), FetchOptions{}) }()
	}

	o.updateResult(true)
	o.startStaleTimer()
	o.startRefetchTimer()
}

// onEntryUpdate is invoked by the Client's entryEnv.onUpdated hook for
// every action dispatched on o.entry.
func (o *EntryObserver) onEntryUpdate(string) {
	o.updateResult(true)
}

// thinksStale participates in Entry.IsStale()'s "any observer thinks
// stale" clause.
func (o *EntryObserver) thinksStale() bool {
	st := o.opts().StaleTime
	return o.entry.IsStaleByTime(st)
}

// shouldFetchOn implements spec.md §4.5's shouldFetchOn(entry, field).
func (o *EntryObserver) shouldFetchOn(e *Entry, field DynamicBool) bool {
	opts := o.opts()
	if !opts.isEnabled() {
		return false
	}
	value, always := field.evaluate(e)
	if always {
		return true
	}
	if !value {
		return false
	}
	return e.IsStaleByTime(opts.StaleTime)
}

// shouldFetchOnMount implements spec.md §4.5.
func (o *EntryObserver) shouldFetchOnMount() bool {
	opts := o.opts()
	if !opts.isEnabled() {
		return false
	}
	s := o.entry.State()
	if s.DataUpdatedAt.IsZero() {
		retryOnMount := opts.RetryOnMount == nil || *opts.RetryOnMount
		return !(s.Status == StatusError && !retryOnMount)
	}
	return o.shouldFetchOn(o.entry, opts.RefetchOnMount)
}

// shouldFetchOptionally implements spec.md §4.5.
func (o *EntryObserver) shouldFetchOptionally(newEntry, prevEntry *Entry) bool {
	opts := o.opts()
	if !opts.isEnabled() {
		return false
	}
	if newEntry == prevEntry && !opts.isEnabled() {
		return false
	}
	if opts.UseErrorBoundary && newEntry.Status() == StatusError {
		return false
	}
	return newEntry.IsStaleByTime(opts.StaleTime)
}

// ---- result derivation (spec.md §4.5 createResult) ----

func (o *EntryObserver) createResult() Result {
	opts := o.opts()
	s := o.entry.State()

	status := s.Status
	fetchStatus := s.FetchStatus
	data, hasData := s.Data, s.HasData

	// 1. Restoring overlay: IsRestoring forces fetchStatus idle. No
	// optimistic fetching/loading state is applied for a pending mount fetch.
	if opts.IsRestoring {
		fetchStatus = FetchIdle
	}

	// 2. keep-previous-data.
	isPreviousData := false
	if opts.KeepPreviousData && !hasData && o.previousResult != nil &&
		o.previousResult.IsSuccess && status != StatusError {
		data = o.previousResult.Data
		hasData = true
		isPreviousData = true
		status = StatusSuccess
	}

	var err error = s.Err
	// 3. select.
	if opts.Select != nil && hasData {
		selected, serr := o.selectMemoized(data, opts.Select)
		if serr != nil {
			err = &SelectorError{cause: serr}
		} else {
			data = selected
		}
	}

	// 4. placeholder.
	isPlaceholder := false
	if !hasData && status == StatusLoading {
		var ph interface{}
		got := false
		if opts.PlaceholderDataFunc != nil {
			ph = opts.PlaceholderDataFunc()
			got = true
		} else if opts.PlaceholderData != nil {
			ph = opts.PlaceholderData
			got = true
		}
		if got {
			if opts.Select != nil {
				if selected, serr := opts.Select(ph); serr == nil {
					ph = selected
				}
			}
			data = ph
			hasData = true
			isPlaceholder = true
			status = StatusSuccess
		}
	}

	isFetching := fetchStatus == FetchFetching
	isLoading := status == StatusLoading
	isError := status == StatusError
	isSuccess := status == StatusSuccess
	fetchedCount := s.DataUpdateCount + s.ErrorUpdateCount

	r := Result{
		Data:                data,
		Error:               err,
		Status:              status,
		FetchStatus:         fetchStatus,
		IsFetching:          isFetching,
		IsLoading:           isLoading,
		IsError:             isError,
		IsSuccess:           isSuccess,
		IsInitialLoading:    isLoading && isFetching,
		IsFetched:           fetchedCount > 0,
		IsFetchedAfterMount: fetchedCount > (o.currentEntryInitialState.DataUpdateCount + o.currentEntryInitialState.ErrorUpdateCount),
		IsRefetching:        isFetching && !isLoading,
		IsLoadingError:      isError && s.DataUpdatedAt.IsZero(),
		IsRefetchError:      isError && !s.DataUpdatedAt.IsZero(),
		IsPaused:            fetchStatus == FetchPaused,
		IsStale:             o.entry.IsStaleByTime(opts.StaleTime),
		IsPreviousData:      isPreviousData,
		IsPlaceholderData:   isPlaceholder,
		DataUpdatedAt:       s.DataUpdatedAt,
		ErrorUpdatedAt:       s.ErrorUpdatedAt,
		FailureCount:        s.FetchFailureCount,
		FailureReason:       s.FetchFailureReason,
		Refetch: func(ctx context.Context) (interface{}, error) {
			return o.entry.Fetch(ctx, FetchOptions{CancelRefetch: true})
		},
	}
	return r
}

func (o *EntryObserver) selectMemoized(data interface{}, sel SelectFunc) (interface{}, error) {
	ptr := reflect.ValueOf(sel).Pointer()
	o.mu.Lock()
	if o.haveSelectMemo && o.selectMemoFnPtr == ptr && reflect.DeepEqual(o.selectMemoData, data) {
		out := o.selectMemoResult
		o.mu.Unlock()
		return out, nil
	}
	o.mu.Unlock()

	out, err := sel(data)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.haveSelectMemo {
		out = replaceEqualDeep(o.selectMemoResult, out)
	}
	o.haveSelectMemo = true
	o.selectMemoData = data
	o.selectMemoFnPtr = ptr
	o.selectMemoResult = out
	o.mu.Unlock()
	return out, nil
}

// updateResult re-derives the result and, unless it is shallow-equal to the
// prior one, notifies listeners through the Client's NotifyManager
// (spec.md §4.5's update propagation / listener gating).
func (o *EntryObserver) updateResult(notify bool) {
	next := o.createResult()

	o.mu.Lock()
	prev := o.currentResult
	if prev.IsSuccess {
		ps := prev
		o.previousResult = &ps
	}
	o.currentResult = next
	changed := !shallowEqualResult(prev, next)
	trackedChanged := o.trackedPropsChanged(prev, next)
	opts := o.options
	listeners := make([]func(Result), 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()

	if !changed {
		return
	}

	if next.IsSuccess && !next.IsPreviousData && opts.OnSuccess != nil {
		opts.OnSuccess(next.Data)
	}
	if next.IsError && opts.OnError != nil {
		opts.OnError(next.Error)
	}
	if opts.OnSettled != nil && (next.IsSuccess || next.IsError) {
		opts.OnSettled(next.Data, next.Error)
	}

	if !notify {
		return
	}
	shouldNotify := opts.NotifyOnChangeAll || trackedChanged
	if !shouldNotify {
		return
	}
	if o.client != nil && o.client.notify != nil {
		o.client.notify.Schedule(func() {
			for _, l := range listeners {
				l(next)
			}
		})
	}
}

// trackedPropsChanged implements the property-access-tracking gate
// described in spec.md §4.5/§9: notify only when at least one tracked
// property differs. With no explicit list and no access-tracking wired in,
// any change notifies (equivalent to 'all').
func (o *EntryObserver) trackedPropsChanged(prev, next Result) bool {
	if len(o.options.NotifyOnChangeProps) == 0 {
		return true
	}
	props := o.options.NotifyOnChangeProps
	if o.options.UseErrorBoundary {
		props = append(append([]string{}, props...), "Error")
	}
	pv := reflect.ValueOf(prev)
	nv := reflect.ValueOf(next)
	for _, p := range props {
		pf := pv.FieldByName(p)
		nf := nv.FieldByName(p)
		if !pf.IsValid() || !nf.IsValid() {
			continue
		}
		if !reflect.DeepEqual(pf.Interface(), nf.Interface()) {
			return true
		}
	}
	return false
}

// ---- timers (spec.md §4.5) ----

func (o *EntryObserver) startStaleTimer() {
	o.mu.Lock()
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
	staleTime := o.options.StaleTime
	s := o.entry.State()
	o.mu.Unlock()

	if staleTime == Infinite || s.DataUpdatedAt.IsZero() {
		return
	}
	if o.entry.IsStaleByTime(staleTime) {
		return
	}
	delay := time.Until(s.DataUpdatedAt.Add(staleTime)) + time.Millisecond
	if delay <= 0 {
		delay = time.Millisecond
	}
	o.mu.Lock()
	o.staleTimer = time.AfterFunc(delay, func() { o.updateResult(true) })
	o.mu.Unlock()
}

func (o *EntryObserver) startRefetchTimer() {
	o.mu.Lock()
	if o.refetchTimer != nil {
		o.refetchTimer.Stop()
		o.refetchTimer = nil
	}
	opts := o.options
	o.mu.Unlock()

	interval := opts.RefetchInterval
	if opts.RefetchIntervalFunc != nil {
		data, _ := o.entry.Data()
		interval = opts.RefetchIntervalFunc(data, o.entry)
	}
	if interval <= 0 {
		return
	}

	o.mu.Lock()
	o.currentRefetchInterval = interval
	o.refetchTimer = time.AfterFunc(interval, func() { o.onRefetchTick() })
	o.mu.Unlock()
}

func (o *EntryObserver) onRefetchTick() {
	opts := o.opts()
	if opts.RefetchIntervalInBG || (o.client != nil && o.client.focus.IsFocused()) {
		go func() { _, _ = o.entry.Fetch(context.Background(), FetchOptions{}) }()
	}
	o.startRefetchTimer()
}
