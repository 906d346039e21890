package qcache

import "sync"

// QuerySpec pairs a key with its observer options, the element type of the
// array MultiEntryObserver.SetEntries consumes (spec.md §4.7).
type QuerySpec struct {
	Key     Key
	Options ObserverOptions
}

// MultiEntryObserver watches an ordered, dynamically-resized list of
// entries and republishes their results as a single array (spec.md §4.7).
type MultiEntryObserver struct {
	client *Client

	mu           sync.Mutex
	observers    []*EntryObserver
	unsubs       []func()
	results      []Result
	listeners    map[int]func([]Result)
	nextListener int
}

// NewMultiEntryObserver builds the observer and immediately activates specs.
func NewMultiEntryObserver(client *Client, specs []QuerySpec) *MultiEntryObserver {
	m := &MultiEntryObserver{client: client, listeners: make(map[int]func([]Result))}
	m.SetEntries(specs)
	return m
}

// Subscribe registers fn for whole-array updates.
func (m *MultiEntryObserver) Subscribe(fn func([]Result)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// GetCurrentResults returns the most recently assembled result array.
func (m *MultiEntryObserver) GetCurrentResults() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result{}, m.results...)
}

func (m *MultiEntryObserver) snapshotListenersLocked() []func([]Result) {
	out := make([]func([]Result), 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

// SetEntries implements spec.md §4.7's setEntries algorithm: default each
// spec, greedily reuse existing child observers by hash, adopt an
// unmatched prior observer into an unmatched new slot that requested
// keepPreviousData, build fresh observers for the rest, then diff against
// the previous child list to decide what to (un)subscribe.
func (m *MultiEntryObserver) SetEntries(specs []QuerySpec) {
	resolved := make([]ObserverOptions, len(specs))
	hashes := make([]string, len(specs))
	for i, s := range specs {
		resolved[i] = m.client.resolveObserverOptions(s.Key, s.Options)
		h := resolved[i].QueryHash
		if h == "" {
			h = Hash(s.Key)
		}
		hashes[i] = h
	}

	m.mu.Lock()
	prevObservers := append([]*EntryObserver{}, m.observers...)
	prevUnsubs := append([]func(){}, m.unsubs...)
	m.mu.Unlock()

	usedPrev := make([]bool, len(prevObservers))
	newObservers := make([]*EntryObserver, len(specs))

	// Greedy reuse by hash.
	for i, h := range hashes {
		for j, po := range prevObservers {
			if !usedPrev[j] && po.entry.hash == h {
				newObservers[i] = po
				usedPrev[j] = true
				break
			}
		}
	}

	// Unmatched new slots: adopt an unmatched prior observer in the same
	// slot when keepPreviousData was requested, else build fresh.
	for i := range specs {
		if newObservers[i] != nil {
			continue
		}
		if resolved[i].KeepPreviousData && i < len(prevObservers) && !usedPrev[i] {
			po := prevObservers[i]
			// Move the adopted observer onto the new key; its previous result
			// is shown until the new entry has data.
			if next := m.client.entries.build(m.client, specs[i].Key, resolved[i].EntryOptions); next != po.entry {
				po.entry.removeObserver(po)
				po.mu.Lock()
				po.entry = next
				po.currentEntryInitialState = next.State()
				po.mu.Unlock()
				next.addObserver(po)
			}
			newObservers[i] = po
			usedPrev[i] = true
			continue
		}
		newObservers[i] = NewEntryObserver(m.client, specs[i].Key, resolved[i])
	}

	for i, o := range newObservers {
		o.SetOptions(resolved[i])
	}

	same := len(prevObservers) == len(newObservers)
	if same {
		for i := range newObservers {
			if newObservers[i] != prevObservers[i] {
				same = false
				break
			}
		}
	}
	if same {
		return
	}

	prevSubByObserver := make(map[*EntryObserver]func())
	for i, o := range prevObservers {
		if i < len(prevUnsubs) {
			prevSubByObserver[o] = prevUnsubs[i]
		}
	}

	newUnsubs := make([]func(), len(newObservers))
	for i, o := range newObservers {
		if u, ok := prevSubByObserver[o]; ok {
			newUnsubs[i] = u
			delete(prevSubByObserver, o)
			continue
		}
		idx := i
		newUnsubs[i] = o.Subscribe(func(r Result) { m.onChildUpdate(idx, r) })
	}
	for _, u := range prevSubByObserver {
		u()
	}

	newResults := make([]Result, len(newObservers))
	for i, o := range newObservers {
		newResults[i] = o.GetCurrentResult()
	}

	m.mu.Lock()
	m.observers = newObservers
	m.unsubs = newUnsubs
	m.results = newResults
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.notify(listeners)
}

func (m *MultiEntryObserver) onChildUpdate(idx int, r Result) {
	m.mu.Lock()
	if idx < len(m.results) {
		m.results[idx] = r
	}
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()
	m.notify(listeners)
}

func (m *MultiEntryObserver) notify(listeners []func([]Result)) {
	if len(listeners) == 0 {
		return
	}
	out := m.GetCurrentResults()
	if m.client != nil && m.client.notify != nil {
		m.client.notify.Schedule(func() {
			for _, l := range listeners {
				l(out)
			}
		})
		return
	}
	for _, l := range listeners {
		l(out)
	}
}
