package keyring

import (
	"sync"
)

// EventName identifies an event emitted by a keyring.
type EventName string

const (
	EventTransactionBuilt     EventName = "TransactionBuilt"
	EventTransactionConfirmed EventName = "TransactionConfirmed"
	EventTransactionExecuted  EventName = "TransactionExecuted"
	EventRejected             EventName = "Rejected"
)

// Event is delivered to subscribers. Payload depends on Name.
type Event struct {
	Name    EventName
	Payload any
}

// Emitter fans events out to subscribers synchronously, in subscription order.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

func NewEmitter() *Emitter {
	return &Emitter{subs: map[int]func(Event){}}
}

// Subscribe registers fn and returns a function removing it.
func (e *Emitter) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.order = append(e.order, id)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
		for i, v := range e.order {
			if v == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

func (e *Emitter) Emit(name EventName, payload any) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.subs[id])
	}
	e.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, fn := range fns {
		fn(ev)
	}
}
