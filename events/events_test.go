package events

import (
	"testing"
)

var (
	_ Event = (*Trace)(nil)
	_ Event = (*FetchStart)(nil)
	_ Event = (*FetchStop)(nil)
	_ Event = (*Paused)(nil)
	_ Event = (*Continued)(nil)
	_ Event = (*Success)(nil)
	_ Event = (*AttemptError)(nil)
	_ Event = (*RetryAttempt)(nil)
	_ Event = (*MaxRetries)(nil)
	_ Event = (*NewData)(nil)
	_ Event = (*NoNewData)(nil)
	_ Event = (*Invalidated)(nil)
	_ Event = (*Removed)(nil)
	_ Event = (*ObserverAdded)(nil)
	_ Event = (*ObserverRemoved)(nil)
)

func TestEvents(t *testing.T) {
	var event EventHandler
	event = func(e Event) {
		switch e.(type) {
		case Trace, FetchStart, FetchStop, Paused, Continued, Success,
			AttemptError, RetryAttempt, MaxRetries, NewData, NoNewData,
			Invalidated, Removed, ObserverAdded, ObserverRemoved:
		default:
			t.Errorf("Bad event type: %T", e)
		}
	}
	event(Trace{})
	event(MaxRetries{})
	event(FetchStop{})
}
