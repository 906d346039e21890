package qcache

import (
	"context"
	"sync"

	"github.com/asyncquery/qcache/events"
)

// MutationCacheConfig installs cache-level hooks mirroring Mutation's own
// lifecycle hooks (spec.md §4.8: "cache-level side effects mirror the
// above").
type MutationCacheConfig struct {
	OnMutate  func(m *Mutation, variables interface{})
	OnSuccess func(m *Mutation, data, variables, context interface{})
	OnError   func(m *Mutation, err error, variables, context interface{})
	OnSettled func(m *Mutation, data interface{}, err error, variables, context interface{})
}

// MutationCache is the insertion-ordered set of Mutations (spec.md §4.8),
// the write-side counterpart of EntryCache.
type MutationCache struct {
	notify  *NotifyManager
	online  *OnlineTracker
	logger  Logger
	events  events.EventHandler
	metrics *metricsSink
	cfg     MutationCacheConfig

	mu      sync.Mutex
	byID    map[string]*Mutation
	ordered []*Mutation
}

func newMutationCache(notify *NotifyManager, online *OnlineTracker, logger Logger, ev events.EventHandler, metrics *metricsSink, cfg MutationCacheConfig) *MutationCache {
	return &MutationCache{
		notify:  notify,
		online:  online,
		logger:  logger,
		events:  ev,
		metrics: metrics,
		cfg:     cfg,
		byID:    make(map[string]*Mutation),
	}
}

// Build constructs and registers a new Mutation (mutations are never
// deduplicated by key the way entries are: each call to mutate() is its own
// instance, per spec.md §4.8).
func (c *MutationCache) Build(opts MutationOptions) *Mutation {
	id, _ := newUUID()
	env := &mutationEnv{
		notify:  c.notify,
		online:  c.online,
		logger:  c.logger,
		events:  c.events,
		metrics: c.metrics,
		onMutate: func(m *Mutation, vars interface{}) {
			if c.cfg.OnMutate != nil {
				c.cfg.OnMutate(m, vars)
			}
		},
		onSuccess: func(m *Mutation, data, vars, ctx interface{}) {
			if c.cfg.OnSuccess != nil {
				c.cfg.OnSuccess(m, data, vars, ctx)
			}
		},
		onError: func(m *Mutation, err error, vars, ctx interface{}) {
			if c.cfg.OnError != nil {
				c.cfg.OnError(m, err, vars, ctx)
			}
		},
		onSettled: func(m *Mutation, data interface{}, err error, vars, ctx interface{}) {
			if c.cfg.OnSettled != nil {
				c.cfg.OnSettled(m, data, err, vars, ctx)
			}
		},
		onUpdated: func(m *Mutation, action string) {
			c.notifyMutation(m, action)
		},
	}
	m := newMutation(id, env, opts)

	c.mu.Lock()
	c.byID[id] = m
	c.ordered = append(c.ordered, m)
	c.mu.Unlock()

	m.setRemoveSelf(func() { c.remove(m) })
	return m
}

func (c *MutationCache) notifyMutation(m *Mutation, action string) {
	if c.notify == nil {
		return
	}
	c.notify.Schedule(func() {
		m.mu.RLock()
		obs := make([]*MutationObserver, 0, len(m.observers))
		for o := range m.observers {
			obs = append(obs, o)
		}
		m.mu.RUnlock()
		for _, o := range obs {
			o.onMutationUpdate(action)
		}
	})
}

func (c *MutationCache) remove(m *Mutation) {
	c.mu.Lock()
	delete(c.byID, m.id)
	for i, mm := range c.ordered {
		if mm == m {
			c.ordered = append(c.ordered[:i], c.ordered[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Find returns the first mutation matching filters, newest-first (matching
// how most callers want "the currently running mutation for this key").
func (c *MutationCache) Find(filters MutationFilters) *Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.ordered) - 1; i >= 0; i-- {
		if filters.matches(c.ordered[i]) {
			return c.ordered[i]
		}
	}
	return nil
}

// FindAll returns every mutation matching filters, insertion order.
func (c *MutationCache) FindAll(filters MutationFilters) []*Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Mutation, 0)
	for _, m := range c.ordered {
		if filters.matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// Clear discards every tracked mutation.
func (c *MutationCache) Clear() {
	c.mu.Lock()
	c.byID = make(map[string]*Mutation)
	c.ordered = nil
	c.mu.Unlock()
}

// IsMutating counts in-flight mutations matching filters.
func (c *MutationCache) IsMutating(filters MutationFilters) int {
	n := 0
	for _, m := range c.FindAll(filters) {
		if m.Status() == MutationLoading {
			n++
		}
	}
	return n
}

// resumePausedMutations resumes every mutation with IsPaused=true, strictly
// sequentially in insertion order, waiting for each to settle before the
// next (spec.md §4.8, §8).
func (c *MutationCache) resumePausedMutations(ctx context.Context) {
	c.mu.Lock()
	snapshot := append([]*Mutation{}, c.ordered...)
	c.mu.Unlock()

	for _, m := range snapshot {
		if !m.State().IsPaused {
			continue
		}
		m.Continue()
		select {
		case <-m.Done():
		case <-ctx.Done():
			return
		}
	}
}
