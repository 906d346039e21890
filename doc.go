/*
Package qcache is an asynchronous data-fetching cache intended to sit
between an application and remote data sources.

It coordinates three concerns that interact tightly and are not separable
without losing correctness:

  - a keyed cache of in-flight and completed fetches, with reference
    counting, staleness, eviction and structural sharing of result data
    (Entry, EntryCache);
  - an observer/notification layer that exposes derived, optionally
    memoized results to subscribers, schedules background refetches and
    batches notifications (EntryObserver, NotifyManager);
  - a retry-and-pause engine that drives fetches under a network/focus
    policy with cancellation, exponential backoff and resumable paused
    fetches (Retryer).

A mutation subsystem (Mutation, MutationCache, MutationObserver) reuses the
same retry engine and notification conventions for one-shot writes with
optimistic updates and pause/resume across reconnects.

The package does not perform any network transport itself; FetchFunc and
MutationFn are supplied by the caller. There is no durable store, no
cross-process deduplication and no server-side streaming: this is a
single-process, in-memory cache.
*/
package qcache
