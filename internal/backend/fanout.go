// ABOUTME: Subscriber fan-out shared by the in-tree turn implementations.
// ABOUTME: Delivers each event to every registered callback in registration order.

package backend

import (
	"sort"
	"sync"
)

// fanout holds the subscription callbacks of one turn.
type fanout struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func (f *fanout) subscribe(fn func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs == nil {
		f.subs = make(map[int]func(Event))
	}
	id := f.next
	f.next++
	f.subs[id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// emit calls every subscriber outside the lock so a callback may unsubscribe.
func (f *fanout) emit(ev Event) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	targets := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		targets = append(targets, f.subs[id])
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
}
