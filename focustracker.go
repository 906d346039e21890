package qcache

import "sync"

// FocusListener is notified whenever the focus signal changes.
type FocusListener func(focused bool)

// FocusEventSetup installs the environment's focus event source (e.g. a
// browser's visibilitychange listener) and returns a teardown function.
// This is the "setEventListener" collaborator from spec.md §6.
type FocusEventSetup func(onFocus func(bool)) (teardown func())

// FocusTracker is a boolean focus signal with subscriber fan-out (spec.md
// §4, component table). The Client lazily subscribes to it on first Mount
// and unsubscribes on last Unmount.
type FocusTracker struct {
	mu        sync.Mutex
	focused   bool
	listeners map[int]FocusListener
	nextID    int
	setup     FocusEventSetup
	teardown  func()
}

// NewFocusTracker builds a tracker defaulting to focused=true (no host
// environment wired in); call SetEventListener to attach a real source.
func NewFocusTracker() *FocusTracker {
	return &FocusTracker{focused: true, listeners: make(map[int]FocusListener)}
}

// IsFocused returns the current signal value.
func (t *FocusTracker) IsFocused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focused
}

// SetFocused sets the signal explicitly (for environments with no native
// event source, or for tests) and fans out to subscribers if it changed.
func (t *FocusTracker) SetFocused(focused bool) {
	t.mu.Lock()
	changed := t.focused != focused
	t.focused = focused
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	if changed {
		for _, l := range listeners {
			l(focused)
		}
	}
}

// SetEventListener installs setup as the source of focus changes, tearing
// down any prior source first.
func (t *FocusTracker) SetEventListener(setup FocusEventSetup) {
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

// Subscribe registers fn and returns an unsubscribe function. The first
// subscriber activates the configured event source; the last unsubscribe
// tears it down.
func (t *FocusTracker) Subscribe(fn FocusListener) (unsubscribe func()) {
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

func (t *FocusTracker) startSource() {
	t.mu.Lock()
	setup := t.setup
	t.mu.Unlock()
	if setup == nil {
		return
	}
	teardown := setup(t.SetFocused)
	t.mu.Lock()
	t.teardown = teardown
	t.mu.Unlock()
}

func (t *FocusTracker) snapshotListeners() []FocusListener {
	out := make([]FocusListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	return out
}
