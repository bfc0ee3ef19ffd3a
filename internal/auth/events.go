package auth

import "sync"

type EventKind string

const (
	SignedIn  EventKind = "signed_in"
	SignedOut EventKind = "signed_out"
)

type SessionEvent struct {
	AccountID string    `json:"account_id"`
	Kind      EventKind `json:"kind"`
}

// broadcaster calls every registered listener synchronously.
type broadcaster struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]func(SessionEvent)
}

func (b *broadcaster) subscribe(fn func(SessionEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[uint64]func(SessionEvent))
	}
	b.next++
	id := b.next
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *broadcaster) publish(ev SessionEvent) {
	b.mu.Lock()
	fns := make([]func(SessionEvent), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
