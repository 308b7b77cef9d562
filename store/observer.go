package store

import (
	"sync"
)

// observers is a commit subscription registry. Callbacks run synchronously on
// the committing goroutine so a writer's own guard is still held when its
// notification arrives. Callbacks must not call back into the store.
type observers struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(ChangeEvent)
}

func (o *observers) subscribe(fn func(ChangeEvent)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]func(ChangeEvent))
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *observers) notify(ev ChangeEvent) {
	o.mu.RLock()
	fns := make([]func(ChangeEvent), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
