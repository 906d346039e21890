package qcache

import "sync"

// OnlineListener is notified whenever the online signal changes.
type OnlineListener func(online bool)

// OnlineEventSetup installs the environment's connectivity event source
// and returns a teardown function (spec.md §6).
type OnlineEventSetup func(onOnline func(bool)) (teardown func())

// OnlineTracker is a boolean online signal with subscriber fan-out,
// structurally identical to FocusTracker (spec.md §4, component table);
// they are kept as separate types because they are independent signals
// with independent wiring into Retryer's NetworkMode and Client.Mount.
type OnlineTracker struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]OnlineListener
	nextID    int
	setup     OnlineEventSetup
	teardown  func()
}

// NewOnlineTracker builds a tracker defaulting to online=true.
func NewOnlineTracker() *OnlineTracker {
	return &OnlineTracker{online: true, listeners: make(map[int]OnlineListener)}
}

// IsOnline returns the current signal value.
func (t *OnlineTracker) IsOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// SetOnline sets the signal explicitly and fans out to subscribers if it
// changed.
func (t *OnlineTracker) SetOnline(online bool) {
	t.mu.Lock()
	changed := t.online != online
	t.online = online
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	if changed {
		for _, l := range listeners {
			l(online)
		}
	}
}

// SetEventListener installs setup as the source of connectivity changes,
// tearing down any prior source first.
func (t *OnlineTracker) SetEventListener(setup OnlineEventSetup) {
	t.mu.Lock()
	if t.teardown != nil {
		t.teardown()
		t.teardown = nil
	}
	t.setup = setup
	hasSubscribers := len(t.listeners) > 0
	t.mu.Unlock()

	if hasSubscribers {
		t.startSource()
	}
}

// Subscribe registers fn and returns an unsubscribe function.
func (t *OnlineTracker) Subscribe(fn OnlineListener) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	first := len(t.listeners) == 1
	t.mu.Unlock()

	if first {
		t.startSource()
	}

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		last := len(t.listeners) == 0
		var teardown func()
		if last {
			teardown = t.teardown
			t.teardown = nil
		}
		t.mu.Unlock()
		if teardown != nil {
			teardown()
		}
	}
}

func (t *OnlineTracker) startSource() {
	t.mu.Lock()
	setup := t.setup
	t.mu.Unlock()
	if setup == nil {
		return
	}
	teardown := setup(t.SetOnline)
	t.mu.Lock()
	t.teardown = teardown
	t.mu.Unlock()
}

func (t *OnlineTracker) snapshotListeners() []OnlineListener {
	out := make([]OnlineListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	return out
}
