package qcache

import (
	"context"
	"sync"
)

// InfiniteData is the paginated accumulator described in spec.md §4.6:
// parallel slices of fetched pages and the page params that produced them.
type InfiniteData struct {
	Pages      []interface{}
	PageParams []interface{}
}

// FetchMoreDirection selects which end of an InfiniteData to extend.
type FetchMoreDirection string

const (
	DirectionForward  FetchMoreDirection = "forward"
	DirectionBackward FetchMoreDirection = "backward"
)

// FetchMoreOptions parameterizes FetchNextPage/FetchPreviousPage.
type FetchMoreOptions struct {
	Direction    FetchMoreDirection
	PageParam    interface{}
	HasPageParam bool
}

// PageFetchFunc fetches one page given its pageParam (nil for the first
// page). It receives the same FetchContext as a regular FetchFunc, with
// PageParam populated.
type PageFetchFunc func(ctx context.Context, fctx *FetchContext) (interface{}, error)

// RefetchPageFunc decides, during a plain refetch (no FetchMore pending),
// whether page i should be re-fetched or reused as-is (spec.md §4.6).
// Nil means "always refetch".
type RefetchPageFunc func(lastPage interface{}, index int, allPages []interface{}) bool

// GetPageParamFunc computes the next/previous page param from the edge
// page and the full accumulated set; a nil/false/absent return disables
// that direction (spec.md §4.6's hasNextPage/hasPreviousPage definition).
type GetPageParamFunc func(edgePage interface{}, allPages []interface{}) interface{}

// InfiniteOptions configures the infinite-pagination behavior layered onto
// an EntryObserver (spec.md §4.6).
type InfiniteOptions struct {
	GetNextPageParam     GetPageParamFunc
	GetPreviousPageParam GetPageParamFunc
	RefetchPage          RefetchPageFunc
}

func isNilish(v interface{}) bool {
	if v == nil {
		return true
	}
	if b, ok := v.(bool); ok {
		return !b
	}
	return false
}

// InfiniteResult is Result augmented with the paginated-specific derived
// fields (spec.md §4.6).
type InfiniteResult struct {
	Result
	HasNextPage            bool
	HasPreviousPage        bool
	IsFetchingNextPage     bool
	IsFetchingPreviousPage bool
}

// InfiniteEntryObserver layers spec.md §4.6's infinite behavior on top of a
// plain EntryObserver by installing an OnFetchBehavior that replaces the
// underlying FetchFn for the duration of one fetch.
type InfiniteEntryObserver struct {
	*EntryObserver

	mu               sync.Mutex
	infiniteOpts     InfiniteOptions
	pendingFetchMore *FetchMoreOptions
	fetchingNext     bool
	fetchingPrev     bool
}

// NewInfiniteEntryObserver builds an EntryObserver whose fetch pipeline
// accumulates pages per spec.md §4.6.
func NewInfiniteEntryObserver(client *Client, key Key, opts ObserverOptions, infiniteOpts InfiniteOptions) *InfiniteEntryObserver {
	io := &InfiniteEntryObserver{infiniteOpts: infiniteOpts}
	opts.OnFetchBehavior = io.onFetch
	io.EntryObserver = NewEntryObserver(client, key, opts)
	return io
}

// onFetch is installed as EntryOptions.OnFetchBehavior: it swaps in a
// wrapper FetchFn that runs the full page-accumulation algorithm instead of
// a single request (spec.md §4.6).
func (io *InfiniteEntryObserver) onFetch(fctx *FetchContext) {
	io.mu.Lock()
	fm := io.pendingFetchMore
	io.pendingFetchMore = nil
	io.mu.Unlock()
	installInfiniteBehavior(fctx, io.infiniteOpts, fm)
}

// installInfiniteBehavior replaces fctx.FetchFn with one that runs the
// page-accumulation algorithm of spec.md §4.6. It is free-standing (not a
// method) so Client.FetchInfinite/PrefetchInfinite can install it for a
// one-shot fetch without going through an InfiniteEntryObserver.
func installInfiniteBehavior(fctx *FetchContext, infiniteOpts InfiniteOptions, fm *FetchMoreOptions) {
	base := fctx.FetchFn
	fctx.FetchFn = func(ctx context.Context, fc *FetchContext) (interface{}, error) {
		return runInfinitePages(ctx, fc, base, infiniteOpts, fm)
	}
}

func runInfinitePages(ctx context.Context, fc *FetchContext, base FetchFunc, infiniteOpts InfiniteOptions, fm *FetchMoreOptions) (interface{}, error) {
	existing, _ := fc.State.Data.(*InfiniteData)

	fetchOne := func(pageParam interface{}) (interface{}, error) {
		sub := &FetchContext{
			Key: fc.Key, Meta: fc.Meta, State: fc.State, Options: fc.Options,
			FetchFn: base, PageParam: pageParam,
		}
		return base(ctx, sub)
	}

	if existing == nil || len(existing.Pages) == 0 {
		page, err := fetchOne(nil)
		if err != nil {
			return nil, err
		}
		return &InfiniteData{Pages: []interface{}{page}, PageParams: []interface{}{nil}}, nil
	}

	if fm != nil {
		switch fm.Direction {
		case DirectionForward:
			param := fm.PageParam
			if !fm.HasPageParam && infiniteOpts.GetNextPageParam != nil {
				param = infiniteOpts.GetNextPageParam(existing.Pages[len(existing.Pages)-1], existing.Pages)
			}
			page, err := fetchOne(param)
			if err != nil {
				return nil, err
			}
			return &InfiniteData{
				Pages:      append(append([]interface{}{}, existing.Pages...), page),
				PageParams: append(append([]interface{}{}, existing.PageParams...), param),
			}, nil
		case DirectionBackward:
			param := fm.PageParam
			if !fm.HasPageParam && infiniteOpts.GetPreviousPageParam != nil {
				param = infiniteOpts.GetPreviousPageParam(existing.Pages[0], existing.Pages)
			}
			page, err := fetchOne(param)
			if err != nil {
				return nil, err
			}
			return &InfiniteData{
				Pages:      append([]interface{}{page}, existing.Pages...),
				PageParams: append([]interface{}{param}, existing.PageParams...),
			}, nil
		}
	}

	// Plain refetch: walk existing pageParams, refetching per RefetchPage.
	manual := infiniteOpts.GetNextPageParam == nil
	newPages := make([]interface{}, len(existing.Pages))
	newParams := make([]interface{}, len(existing.PageParams))
	copy(newParams, existing.PageParams)
	for i := range existing.Pages {
		shouldRefetch := true
		if infiniteOpts.RefetchPage != nil {
			shouldRefetch = infiniteOpts.RefetchPage(existing.Pages[i], i, existing.Pages)
		}
		if !shouldRefetch {
			newPages[i] = existing.Pages[i]
			continue
		}
		param := existing.PageParams[i]
		if !manual && i > 0 && infiniteOpts.GetNextPageParam != nil {
			param = infiniteOpts.GetNextPageParam(newPages[i-1], newPages[:i])
		}
		page, err := fetchOne(param)
		if err != nil {
			return nil, err
		}
		newPages[i] = page
		newParams[i] = param
	}
	return &InfiniteData{Pages: newPages, PageParams: newParams}, nil
}

func (io *InfiniteEntryObserver) currentData() (*InfiniteData, bool) {
	d, has := io.entry.Data()
	if !has {
		return nil, false
	}
	id, ok := d.(*InfiniteData)
	return id, ok
}

// HasNextPage reports spec.md §4.6's hasNextPage.
func (io *InfiniteEntryObserver) HasNextPage() bool {
	if io.infiniteOpts.GetNextPageParam == nil {
		return false
	}
	d, ok := io.currentData()
	if !ok || len(d.Pages) == 0 {
		return false
	}
	return !isNilish(io.infiniteOpts.GetNextPageParam(d.Pages[len(d.Pages)-1], d.Pages))
}

// HasPreviousPage reports spec.md §4.6's hasPreviousPage.
func (io *InfiniteEntryObserver) HasPreviousPage() bool {
	if io.infiniteOpts.GetPreviousPageParam == nil {
		return false
	}
	d, ok := io.currentData()
	if !ok || len(d.Pages) == 0 {
		return false
	}
	return !isNilish(io.infiniteOpts.GetPreviousPageParam(d.Pages[0], d.Pages))
}

// FetchNextPage requests a forward page append (spec.md §4.6).
func (io *InfiniteEntryObserver) FetchNextPage(ctx context.Context, pageParam interface{}, hasPageParam bool) (interface{}, error) {
	io.mu.Lock()
	io.pendingFetchMore = &FetchMoreOptions{Direction: DirectionForward, PageParam: pageParam, HasPageParam: hasPageParam}
	io.fetchingNext = true
	io.mu.Unlock()
	defer func() { io.mu.Lock(); io.fetchingNext = false; io.mu.Unlock() }()

	return io.entry.Fetch(ctx, FetchOptions{})
}

// FetchPreviousPage requests a backward page prepend (spec.md §4.6).
func (io *InfiniteEntryObserver) FetchPreviousPage(ctx context.Context, pageParam interface{}, hasPageParam bool) (interface{}, error) {
	io.mu.Lock()
	io.pendingFetchMore = &FetchMoreOptions{Direction: DirectionBackward, PageParam: pageParam, HasPageParam: hasPageParam}
	io.fetchingPrev = true
	io.mu.Unlock()
	defer func() { io.mu.Lock(); io.fetchingPrev = false; io.mu.Unlock() }()

	return io.entry.Fetch(ctx, FetchOptions{})
}

// SubscribeInfinite is Subscribe augmented with the paginated fields.
func (io *InfiniteEntryObserver) SubscribeInfinite(fn func(InfiniteResult)) (unsubscribe func()) {
	return io.Subscribe(func(r Result) {
		fn(io.toInfiniteResult(r))
	})
}

// GetCurrentInfiniteResult is GetCurrentResult augmented the same way.
func (io *InfiniteEntryObserver) GetCurrentInfiniteResult() InfiniteResult {
	return io.toInfiniteResult(io.GetCurrentResult())
}

func (io *InfiniteEntryObserver) toInfiniteResult(r Result) InfiniteResult {
	io.mu.Lock()
	fetchingNext, fetchingPrev := io.fetchingNext, io.fetchingPrev
	io.mu.Unlock()

	if fetchingNext || fetchingPrev {
		r.IsRefetching = false
	}

	return InfiniteResult{
		Result:                 r,
		HasNextPage:            io.HasNextPage(),
		HasPreviousPage:        io.HasPreviousPage(),
		IsFetchingNextPage:     fetchingNext,
		IsFetchingPreviousPage: fetchingPrev,
	}
}
