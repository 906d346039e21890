package qcache

import (
	"context"
	"time"
)

// Infinite is used for StaleTime/CacheTime to mean "never" (spec.md §3:
// "st=∞ ⇒ never stale"; cacheTime=Infinite ⇒ never garbage collected).
const Infinite time.Duration = -1

// FetchFunc is the user-supplied function executed to populate an Entry.
// ctx carries the AbortSignal via ctx.Done(); fctx describes the request
// and exposes Signal() lazily, marking it consumed when read (spec.md §6).
type FetchFunc func(ctx context.Context, fctx *FetchContext) (interface{}, error)

// OnFetchBehavior may replace the FetchFn used for one execution (spec.md
// §4.3's behavior.onFetch hook; InfiniteEntryObserver installs one).
type OnFetchBehavior func(fctx *FetchContext)

// EntryOptions configures one Entry (spec.md §4.3/§6).
type EntryOptions struct {
	FetchFn     FetchFunc
	Retry       RetryPredicate
	RetryDelay  RetryDelayFunc
	NetworkMode NetworkMode
	StaleTime   time.Duration
	CacheTime   time.Duration
	Meta        interface{}

	IsDataEqual       DataEqualFunc
	StructuralSharing interface{} // bool or StructuralSharingFunc

	OnFetchBehavior OnFetchBehavior

	QueryHash string // explicit override for EntryCache.build's hash
}

func (o EntryOptions) sharing() sharingOptions {
	return sharingOptions{IsDataEqual: o.IsDataEqual, StructuralSharing: o.StructuralSharing}
}

// FetchOptions parameterizes one call to Entry.Fetch / Client.Fetch
// (spec.md §4.3/§6).
type FetchOptions struct {
	CancelRefetch bool
	Meta          interface{}
	Throw         bool // no effect: Fetch returns a fetch error whether or not it is set
}

// FetchContext is handed to FetchFunc (spec.md §6: "{ key, signal?,
// pageParam?, meta? }").
type FetchContext struct {
	Key       Key
	Meta      interface{}
	State     EntryState
	Options   EntryOptions
	FetchFn   FetchFunc
	PageParam interface{}

	entry *Entry
}

// Signal lazily returns the AbortSignal for this fetch, marking it consumed
// on the owning Entry (spec.md §4.3, §9).
func (fc *FetchContext) Signal() *AbortSignal {
	if fc.entry == nil {
		return nil
	}
	return fc.entry.consumeSignal()
}
