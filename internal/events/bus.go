package events

import "sync"

// HandlerFunc processes a published event.
type HandlerFunc func(Event)

type subscription struct {
	id      uint64
	typ     *Type
	handler HandlerFunc
}

// Bus is the event dispatcher. Notify runs handlers synchronously, in
// subscription order, delivering each event to every subscription
// whose registered type is the event's type or an ancestor of it.
//
// Notify is meant to run on the supervisor loop; handlers run to
// completion before it returns and may themselves call Notify.
// Subscribe and Unsubscribe are mutex-guarded so observers (the API
// event stream) may attach from other goroutines.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler for typ and all its subtypes. It returns
// a subscription id for Unsubscribe.
func (b *Bus) Subscribe(typ *Type, handler HandlerFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, typ: typ, handler: handler})
	return b.nextID
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Notify delivers ev to every matching subscription. Handler panics
// propagate: an unroutable event is a programmer error, not a
// condition to swallow.
func (b *Bus) Notify(ev Event) {
	t := ev.Type()
	b.mu.Lock()
	matched := make([]HandlerFunc, 0, len(b.subs))
	for _, s := range b.subs {
		if t.Is(s.typ) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		h(ev)
	}
}

// SubscriberCount returns the number of subscriptions that would
// receive an event of type typ.
func (b *Bus) SubscriberCount(typ *Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if typ.Is(s.typ) {
			n++
		}
	}
	return n
}
