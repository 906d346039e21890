package qcache

import (
	"sync"

	"github.com/asyncquery/qcache/events"
)

// EntryCacheConfig installs cache-level hooks (spec.md §4.3's "call cache
// onSuccess"/"onError").
type EntryCacheConfig struct {
	OnSuccess func(e *Entry, data interface{})
	OnError   func(e *Entry, err error)
}

// EntryCache is the hash -> Entry map plus insertion order (spec.md §4.4).
type EntryCache struct {
	notify  *NotifyManager
	online  *OnlineTracker
	logger  Logger
	events  events.EventHandler
	metrics *metricsSink
	cfg     EntryCacheConfig

	mu      sync.Mutex
	byHash  map[string]*Entry
	ordered []*Entry
}

func newEntryCache(notify *NotifyManager, online *OnlineTracker, logger Logger, ev events.EventHandler, metrics *metricsSink, cfg EntryCacheConfig) *EntryCache {
	return &EntryCache{
		notify:  notify,
		online:  online,
		logger:  logger,
		events:  ev,
		metrics: metrics,
		cfg:     cfg,
		byHash:  make(map[string]*Entry),
	}
}

// build returns the existing Entry for key/opts or creates one, computing
// hash = opts.QueryHash, or Hash(key) when that is empty (spec.md §4.4). client is
// threaded through only so a newly built Entry's fallback fetcher can reach
// observer defaults; it is not retained on Entry.
func (c *EntryCache) build(client *Client, key Key, opts EntryOptions) *Entry {
	hash := opts.QueryHash
	if hash == "" {
		hash = Hash(key)
	}

	c.mu.Lock()
	if e, ok := c.byHash[hash]; ok {
		c.mu.Unlock()
		return e
	}
	c.mu.Unlock()

	env := &entryEnv{
		notify:  c.notify,
		online:  c.online,
		logger:  c.logger,
		metrics: c.metrics,
		events:  c.events,
		onSuccess: func(e *Entry, data interface{}) {
			if c.cfg.OnSuccess != nil {
				c.cfg.OnSuccess(e, data)
			}
		},
		onError: func(e *Entry, err error) {
			if c.cfg.OnError != nil {
				c.cfg.OnError(e, err)
			}
		},
		onUpdated: func(e *Entry, action string) {
			c.notifyEntry(e, action)
		},
	}
	e := newEntry(key, hash, env, opts)

	c.mu.Lock()
	if existing, ok := c.byHash[hash]; ok {
		c.mu.Unlock()
		return existing
	}
	c.byHash[hash] = e
	c.ordered = append(c.ordered, e)
	c.mu.Unlock()

	e.setRemoveSelf(func() { c.remove(e) })
	c.metrics.IncrCounter("entrycache.built", 1)
	if c.events != nil {
		c.events(events.Trace{ID: hash, Message: "added"})
	}
	e.scheduleSelfGC()
	return e
}

func (c *EntryCache) notifyEntry(e *Entry, action string) {
	if c.notify == nil {
		return
	}
	c.notify.Schedule(func() {
		e.mu.RLock()
		obs := make([]*EntryObserver, 0, len(e.observers))
		for o := range e.observers {
			obs = append(obs, o)
		}
		e.mu.RUnlock()
		for _, o := range obs {
			o.onEntryUpdate(action)
		}
	})
}

// get returns the entry for hash, if any.
func (c *EntryCache) get(hash string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHash[hash]
	return e, ok
}

// find returns the first entry matching filters, insertion order.
func (c *EntryCache) find(filters EntryFilters) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.ordered {
		if filters.matches(e) {
			return e
		}
	}
	return nil
}

// findAll returns every entry matching filters, insertion order.
func (c *EntryCache) findAll(filters EntryFilters) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, 0)
	for _, e := range c.ordered {
		if filters.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// remove destroys and deletes entry from the cache.
func (c *EntryCache) remove(e *Entry) {
	e.clearGC()
	e.Cancel(CancelOptions{Silent: true})

	c.mu.Lock()
	delete(c.byHash, e.hash)
	for i, ee := range c.ordered {
		if ee == e {
			c.ordered = append(c.ordered[:i], c.ordered[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.metrics.IncrCounter("entrycache.removed", 1)
	if c.events != nil {
		c.events(events.Removed{ID: e.hash})
	}
}

// clear discards every tracked entry without running their Retryers'
// cancellation side effects (a hard reset, used by Client.Clear).
func (c *EntryCache) clear() {
	c.mu.Lock()
	c.byHash = make(map[string]*Entry)
	c.ordered = nil
	c.mu.Unlock()
}

// onFocus/onOnline fan out to every tracked entry (spec.md §4.4).
func (c *EntryCache) onFocus() {
	for _, e := range c.snapshot() {
		e.OnFocus()
	}
}

func (c *EntryCache) onOnline() {
	for _, e := range c.snapshot() {
		e.OnOnline()
	}
}

func (c *EntryCache) snapshot() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Entry{}, c.ordered...)
}
