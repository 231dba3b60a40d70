// ABOUTME: Bounded TTL set of call ids whose callers stopped waiting
// ABOUTME: Lets the read loop tell late responses apart from responses nobody ever asked for

package bridge

import (
	"container/list"
	"sync"
	"time"
)

type abandonedEntry struct {
	method  Method
	at      time.Time
	element *list.Element
}

// abandonedCalls remembers recently timed-out call ids. Entries expire after
// ttl and the oldest is evicted once maxSize is reached, so a gateway that
// never answers cannot grow it without bound.
type abandonedCalls struct {
	mu      sync.Mutex
	entries map[string]*abandonedEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
}

func newAbandonedCalls(ttl time.Duration, maxSize int) *abandonedCalls {
	return &abandonedCalls{
		entries: make(map[string]*abandonedEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (a *abandonedCalls) mark(id string, method Method) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.expireLocked(now)
	if e, ok := a.entries[id]; ok {
		e.at = now
		a.order.MoveToBack(e.element)
		return
	}
	if len(a.entries) >= a.maxSize {
		a.removeLocked(a.order.Front())
	}
	a.entries[id] = &abandonedEntry{method: method, at: now, element: a.order.PushBack(id)}
}

// take reports the method of an abandoned call and forgets it, so a second
// response with the same id counts as unknown.
func (a *abandonedCalls) take(id string) (Method, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked(time.Now())
	e, ok := a.entries[id]
	if !ok {
		return "", false
	}
	a.removeLocked(e.element)
	return e.method, true
}

func (a *abandonedCalls) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// expireLocked drops entries older than ttl. The list is in mark order so
// it stops at the first live entry.
func (a *abandonedCalls) expireLocked(now time.Time) {
	for front := a.order.Front(); front != nil; front = a.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(a.entries[id].at) < a.ttl {
			return
		}
		a.removeLocked(front)
	}
}

func (a *abandonedCalls) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	id, _ := elem.Value.(string)
	a.order.Remove(elem)
	delete(a.entries, id)
}
