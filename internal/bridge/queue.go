package bridge

import "sync"

// Queue is the inbound event queue between host callbacks and the
// compositor run loop. Push never blocks the host thread: when the queue is
// full the oldest event is dropped, except lifecycle and surface events,
// which must not be lost and displace input instead.
type Queue struct {
	mu     sync.Mutex
	events []Event
	max    int
	wake   chan struct{}
}

const defaultQueueDepth = 256

func NewQueue() *Queue {
	return &Queue{
		max:  defaultQueueDepth,
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues an event from the host thread.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	if len(q.events) >= q.max {
		if dropOldestInput(&q.events) {
			q.events = append(q.events, ev)
		} else if isCritical(ev) {
			// Queue full of critical events; grow rather than lose one.
			q.events = append(q.events, ev)
		}
	} else {
		q.events = append(q.events, ev)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Drain returns all queued events in arrival order.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// Wake is signalled whenever an event arrives; the run loop selects on it.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func isCritical(ev Event) bool {
	switch ev.(type) {
	case Key, Touch, Pointer, Vsync:
		return false
	}
	return true
}

func dropOldestInput(events *[]Event) bool {
	for i, ev := range *events {
		if !isCritical(ev) {
			*events = append((*events)[:i], (*events)[i+1:]...)
			return true
		}
	}
	return false
}
