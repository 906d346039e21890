package qcache

import (
	"context"
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/asyncquery/qcache/events"
	"github.com/imdario/mergo"
)

// queryDefaultEntry is one per-key entry of the Client's default-resolution
// chain (spec.md §4.11: "per-key defaults (first partial-match wins)").
type queryDefaultEntry struct {
	key     Key
	options ObserverOptions
}

type mutationDefaultEntry struct {
	key     Key
	options MutationOptions
}

// ClientConfig constructs a Client (spec.md §4.11).
type ClientConfig struct {
	DefaultOptions         ObserverOptions
	DefaultMutationOptions MutationOptions

	Logger  Logger
	Metrics metrics.MetricSink

	// Events, when set, receives every lifecycle event emitted by entries,
	// mutations and their retry loops (spec.md's events module). Nil means
	// no observer is installed and events are skipped entirely.
	Events events.EventHandler

	EntryCache    EntryCacheConfig
	MutationCache MutationCacheConfig
}

// Client is the user-facing facade of spec.md §4.11/§6.
type Client struct {
	entries   *EntryCache
	mutations *MutationCache
	notify    *NotifyManager
	focus     *FocusTracker
	online    *OnlineTracker
	logger    Logger
	metrics   *metricsSink

	mu                      sync.Mutex
	globalDefaults          ObserverOptions
	queryDefaults           []queryDefaultEntry
	globalMutationDefaults  MutationOptions
	mutationDefaults        []mutationDefaultEntry

	mountCount  int
	unsubFocus  func()
	unsubOnline func()
}

// NewClient builds a Client with its own EntryCache/MutationCache/
// NotifyManager/trackers (spec.md §4.11).
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = NoopLogger()
	}
	msink := newMetricsSink(cfg.Metrics, "qcache")

	c := &Client{
		logger:                 logger,
		metrics:                msink,
		focus:                  NewFocusTracker(),
		online:                 NewOnlineTracker(),
		globalDefaults:         cfg.DefaultOptions,
		globalMutationDefaults: cfg.DefaultMutationOptions,
	}
	c.notify = NewNotifyManager(logger, msink)

	c.entries = newEntryCache(c.notify, c.online, logger, cfg.Events, msink, cfg.EntryCache)
	c.mutations = newMutationCache(c.notify, c.online, logger, cfg.Events, msink, cfg.MutationCache)
	return c
}

// GetLogger returns the Client's Logger.
func (c *Client) GetLogger() Logger { return c.logger }

// GetCache returns the underlying EntryCache.
func (c *Client) GetCache() *EntryCache { return c.entries }

// GetMutationCache returns the underlying MutationCache.
func (c *Client) GetMutationCache() *MutationCache { return c.mutations }

// Clear discards every tracked entry and mutation (spec.md §6).
func (c *Client) Clear() {
	c.entries.clear()
	c.mutations.Clear()
}

// ---- defaults resolution (spec.md §4.11) ----

// SetQueryDefaults installs (or replaces) the default ObserverOptions used
// for keys partially matching key.
func (c *Client) SetQueryDefaults(key Key, opts ObserverOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, qd := range c.queryDefaults {
		if Hash(qd.key) == Hash(key) {
			c.queryDefaults[i].options = opts
			return
		}
	}
	c.queryDefaults = append(c.queryDefaults, queryDefaultEntry{key: key, options: opts})
}

// GetQueryDefaults returns the first per-key default options matching key,
// without layering in global defaults or caller options.
func (c *Client) GetQueryDefaults(key Key) (ObserverOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, qd := range c.queryDefaults {
		if partialDeepEqual(qd.key, key) {
			return qd.options, true
		}
	}
	return ObserverOptions{}, false
}

// SetMutationDefaults installs (or replaces) the default MutationOptions
// used for mutation keys partially matching key.
func (c *Client) SetMutationDefaults(key Key, opts MutationOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, md := range c.mutationDefaults {
		if Hash(md.key) == Hash(key) {
			c.mutationDefaults[i].options = opts
			return
		}
	}
	c.mutationDefaults = append(c.mutationDefaults, mutationDefaultEntry{key: key, options: opts})
}

// GetMutationDefaults returns the first per-key default mutation options
// matching key.
func (c *Client) GetMutationDefaults(key Key) (MutationOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, md := range c.mutationDefaults {
		if partialDeepEqual(md.key, key) {
			return md.options, true
		}
	}
	return MutationOptions{}, false
}

// resolveObserverOptions layers global defaults, then the first matching
// per-key defaults, then opts itself (spec.md §4.11), via
// imdario/mergo.WithOverride at each step so later layers win field by
// field.
func (c *Client) resolveObserverOptions(key Key, opts ObserverOptions) ObserverOptions {
	c.mu.Lock()
	resolved := c.globalDefaults
	var perKey *ObserverOptions
	matches := 0
	for _, qd := range c.queryDefaults {
		if partialDeepEqual(qd.key, key) {
			matches++
			if perKey == nil {
				o := qd.options
				perKey = &o
			}
		}
	}
	c.mu.Unlock()

	if matches > 1 {
		c.logger.Warn("qcache: multiple per-key defaults match, using the first registered", "matches", matches)
	}
	if perKey != nil {
		_ = mergo.Merge(&resolved, *perKey, mergo.WithOverride)
	}
	_ = mergo.Merge(&resolved, opts, mergo.WithOverride)
	return resolved
}

func (c *Client) resolveMutationOptions(opts MutationOptions) MutationOptions {
	c.mu.Lock()
	resolved := c.globalMutationDefaults
	var perKey *MutationOptions
	matches := 0
	for _, md := range c.mutationDefaults {
		if opts.MutationKey != nil && partialDeepEqual(md.key, opts.MutationKey) {
			matches++
			if perKey == nil {
				o := md.options
				perKey = &o
			}
		}
	}
	c.mu.Unlock()

	if matches > 1 {
		c.logger.Warn("qcache: multiple per-key defaults match, using the first registered", "matches", matches)
	}
	if perKey != nil {
		_ = mergo.Merge(&resolved, *perKey, mergo.WithOverride)
	}
	_ = mergo.Merge(&resolved, opts, mergo.WithOverride)
	return resolved
}

// ---- mount / focus / online (spec.md §4.11) ----

// Mount activates the Client's FocusTracker/OnlineTracker subscriptions on
// the first call; subsequent calls just bump the ref count.
func (c *Client) Mount() {
	c.mu.Lock()
	c.mountCount++
	first := c.mountCount == 1
	c.mu.Unlock()
	if !first {
		return
	}
	c.unsubFocus = c.focus.Subscribe(c.onFocusChange)
	c.unsubOnline = c.online.Subscribe(c.onOnlineChange)
}

// Unmount decrements the ref count, tearing down subscriptions once it
// reaches zero.
func (c *Client) Unmount() {
	c.mu.Lock()
	if c.mountCount == 0 {
		c.mu.Unlock()
		return
	}
	c.mountCount--
	last := c.mountCount == 0
	unsubFocus, unsubOnline := c.unsubFocus, c.unsubOnline
	c.mu.Unlock()
	if !last {
		return
	}
	if unsubFocus != nil {
		unsubFocus()
	}
	if unsubOnline != nil {
		unsubOnline()
	}
}

func (c *Client) onFocusChange(focused bool) {
	if !focused {
		return
	}
	go c.mutations.resumePausedMutations(context.Background())
	c.entries.onFocus()
}

func (c *Client) onOnlineChange(online bool) {
	if !online {
		return
	}
	go c.mutations.resumePausedMutations(context.Background())
	c.entries.onOnline()
}

// ---- fetch family (spec.md §6) ----

// Fetch runs (or reuses) the Entry for key, skipping the fetch if the data
// is still fresh by staleTime.
func (c *Client) Fetch(ctx context.Context, key Key, fn FetchFunc, opts EntryOptions) (interface{}, error) {
	if fn != nil {
		opts.FetchFn = fn
	}
	resolved := c.resolveObserverOptions(key, ObserverOptions{EntryOptions: opts})
	e := c.entries.build(c, key, resolved.EntryOptions)
	if !e.IsStaleByTime(resolved.StaleTime) {
		if d, ok := e.Data(); ok {
			return d, nil
		}
	}
	return e.Fetch(ctx, FetchOptions{})
}

// Prefetch mirrors Fetch but swallows any error (spec.md §6/§7).
func (c *Client) Prefetch(ctx context.Context, key Key, fn FetchFunc, opts EntryOptions) {
	_, err := c.Fetch(ctx, key, fn, opts)
	if err != nil && c.logger != nil {
		c.logger.Log("qcache: prefetch failed", "error", err)
	}
}

// Ensure returns cached data if present, otherwise fetches it.
func (c *Client) Ensure(ctx context.Context, key Key, fn FetchFunc, opts EntryOptions) (interface{}, error) {
	if fn != nil {
		opts.FetchFn = fn
	}
	resolved := c.resolveObserverOptions(key, ObserverOptions{EntryOptions: opts})
	e := c.entries.build(c, key, resolved.EntryOptions)
	if d, ok := e.Data(); ok {
		return d, nil
	}
	return e.Fetch(ctx, FetchOptions{})
}

// FetchInfinite installs the infinite-pagination behavior for one Entry
// fetch (spec.md §4.6/§6).
func (c *Client) FetchInfinite(ctx context.Context, key Key, opts EntryOptions, infiniteOpts InfiniteOptions) (interface{}, error) {
	opts.OnFetchBehavior = func(fctx *FetchContext) { installInfiniteBehavior(fctx, infiniteOpts, nil) }
	resolved := c.resolveObserverOptions(key, ObserverOptions{EntryOptions: opts})
	e := c.entries.build(c, key, resolved.EntryOptions)
	return e.Fetch(ctx, FetchOptions{})
}

// PrefetchInfinite mirrors FetchInfinite but swallows errors.
func (c *Client) PrefetchInfinite(ctx context.Context, key Key, opts EntryOptions, infiniteOpts InfiniteOptions) {
	_, err := c.FetchInfinite(ctx, key, opts, infiniteOpts)
	if err != nil && c.logger != nil {
		c.logger.Log("qcache: prefetchInfinite failed", "error", err)
	}
}

// ---- data access (spec.md §6) ----

// GetData returns the cached data for key, if any entry exists.
func (c *Client) GetData(key Key) (interface{}, bool) {
	e, ok := c.entries.get(Hash(key))
	if !ok {
		return nil, false
	}
	return e.Data()
}

// GetDataFiltered returns the data of the first entry matching filters.
func (c *Client) GetDataFiltered(filters EntryFilters) (interface{}, bool) {
	e := c.entries.find(filters)
	if e == nil {
		return nil, false
	}
	return e.Data()
}

// GetState returns a snapshot of the Entry's state tuple for key.
func (c *Client) GetState(key Key) (EntryState, bool) {
	e, ok := c.entries.get(Hash(key))
	if !ok {
		return EntryState{}, false
	}
	return e.State(), true
}

// DataUpdater computes a replacement value from the previous one; returning
// ok=false is a no-op (spec.md §6: "returning undefined from updater is a
// no-op").
type DataUpdater func(prev interface{}, hasPrev bool) (next interface{}, ok bool)

// SetData applies updater to key's current data and stores the result.
func (c *Client) SetData(key Key, updater DataUpdater, opts SetDataOptions) (interface{}, bool) {
	resolved := c.resolveObserverOptions(key, ObserverOptions{})
	e := c.entries.build(c, key, resolved.EntryOptions)
	prev, hasPrev := e.Data()
	next, ok := updater(prev, hasPrev)
	if !ok {
		return prev, hasPrev
	}
	e.SetData(next, opts)
	return next, true
}

// KeyDataPair is one element of SetQueriesData's return value.
type KeyDataPair struct {
	Key  Key
	Data interface{}
}

// SetQueriesData maps updater across every entry matching filters.
func (c *Client) SetQueriesData(filters EntryFilters, updater DataUpdater, opts SetDataOptions) []KeyDataPair {
	out := make([]KeyDataPair, 0)
	for _, e := range c.entries.findAll(filters) {
		prev, hasPrev := e.Data()
		next, ok := updater(prev, hasPrev)
		if !ok {
			continue
		}
		e.SetData(next, opts)
		out = append(out, KeyDataPair{Key: e.Key(), Data: next})
	}
	return out
}

// ---- invalidate / refetch / cancel / remove / reset (spec.md §6) ----

// RefetchType selects which matched entries Invalidate refetches.
type RefetchType string

const (
	RefetchActive   RefetchType = "active"
	RefetchInactive RefetchType = "inactive"
	RefetchAll      RefetchType = "all"
	RefetchNone     RefetchType = "none"
)

// InvalidateOptions parameterizes Client.Invalidate.
type InvalidateOptions struct {
	RefetchType RefetchType
}

// Invalidate marks matching entries invalidated and, unless
// RefetchType=none, refetches those matching the requested subset
// (default RefetchActive).
func (c *Client) Invalidate(filters EntryFilters, opts InvalidateOptions) {
	refetchType := opts.RefetchType
	if refetchType == "" {
		refetchType = RefetchActive
	}

	matched := c.entries.findAll(filters)
	for _, e := range matched {
		e.actionInvalidate()
		if c.entries.events != nil {
			c.entries.events(events.Invalidated{ID: e.Hash()})
		}
	}

	if refetchType == RefetchNone {
		return
	}
	for _, e := range matched {
		active := e.isActive()
		if refetchType == RefetchAll || (refetchType == RefetchActive && active) || (refetchType == RefetchInactive && !active) {
			go func(e *Entry) { _, _ = e.Fetch(context.Background(), FetchOptions{CancelRefetch: true}) }(e)
		}
	}
}

// Refetch fetches every matching, enabled entry, cancelling any in-flight
// fetch first by default.
func (c *Client) Refetch(ctx context.Context, filters EntryFilters) error {
	matched := c.entries.findAll(filters)
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for _, e := range matched {
		if !e.isActive() {
			continue
		}
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			_, err := e.Fetch(ctx, FetchOptions{CancelRefetch: true})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return firstErr
}

// Cancel cancels every matching entry's in-flight fetch.
func (c *Client) Cancel(filters EntryFilters, opts CancelOptions) {
	for _, e := range c.entries.findAll(filters) {
		e.Cancel(opts)
	}
}

// Remove deletes every matching entry from the cache outright.
func (c *Client) Remove(filters EntryFilters) {
	for _, e := range c.entries.findAll(filters) {
		c.entries.remove(e)
	}
}

// Reset restores every matching entry to its initial (never-fetched) state
// and then refetches the active subset (spec.md §6).
func (c *Client) Reset(ctx context.Context, filters EntryFilters) {
	matched := c.entries.findAll(filters)
	for _, e := range matched {
		e.SetState(e.initialState)
	}
	for _, e := range matched {
		if e.isActive() {
			go func(e *Entry) { _, _ = e.Fetch(ctx, FetchOptions{CancelRefetch: true}) }(e)
		}
	}
}

// IsFetching counts matching entries currently fetching.
func (c *Client) IsFetching(filters EntryFilters) int {
	n := 0
	for _, e := range c.entries.findAll(filters) {
		if e.FetchStatus() == FetchFetching {
			n++
		}
	}
	return n
}

// IsMutating counts matching mutations currently loading.
func (c *Client) IsMutating(filters MutationFilters) int {
	return c.mutations.IsMutating(filters)
}

// ---- mutate (spec.md §4.8/§6) ----

// Mutate resolves opts through the defaults chain, builds a fresh Mutation
// and runs it to completion.
func (c *Client) Mutate(ctx context.Context, opts MutationOptions, variables interface{}) (interface{}, error) {
	resolved := c.resolveMutationOptions(opts)
	m := c.mutations.Build(resolved)
	return m.Execute(ctx, variables)
}
