package netmon

import (
	"slices"
	"sync"
)

type observerEntry[T comparable] struct {
	observer T
	removed  bool
}

// ObserverList is an ordered set of observers that tolerates Add and Remove
// from inside Notify. Notify walks a snapshot taken at entry: observers added
// during a dispatch are first called by the next one, observers removed
// during a dispatch are skipped if their turn has not come yet.
//
// The zero value is ready to use. The lock is never held while an observer
// runs.
type ObserverList[T comparable] struct {
	mu      sync.Mutex
	entries []*observerEntry[T]
}

// Add registers o. It reports false if o was already registered.
func (l *ObserverList[T]) Add(o T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.observer == o {
			return false
		}
	}
	l.entries = append(l.entries, &observerEntry[T]{observer: o})
	return true
}

// Remove unregisters o. It reports false if o was not registered.
func (l *ObserverList[T]) Remove(o T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.observer == o {
			e.removed = true
			l.entries = slices.Delete(slices.Clone(l.entries), i, i+1)
			return true
		}
	}
	return false
}

// Clear unregisters every observer.
func (l *ObserverList[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		e.removed = true
	}
	l.entries = nil
}

func (l *ObserverList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Notify calls fn for every registered observer in registration order and
// returns how many were called.
func (l *ObserverList[T]) Notify(fn func(T)) int {
	l.mu.Lock()
	snapshot := l.entries
	l.mu.Unlock()

	called := 0
	for _, e := range snapshot {
		l.mu.Lock()
		removed := e.removed
		l.mu.Unlock()
		if removed {
			continue
		}

		fn(e.observer)
		called++
	}
	return called
}
