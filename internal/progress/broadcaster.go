// Package progress publishes bootstrap state over a loopback websocket.
// The pipeline publishes without ever blocking; observers may come and go,
// and a late joiner immediately receives the last known state so terminal
// outcomes are never missed.
package progress

import (
	"sync"

	"golang.org/x/time/rate"
)

// Update is the wire message, one JSON object per state change.
type Update struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	IsError  bool   `json:"isError"`
}

// terminal updates bypass the rate limiter so a final success or failure
// always reaches observers.
func (u Update) terminal() bool {
	return u.IsError || u.Progress >= 100
}

const subscriberBuffer = 16

// publishRate bounds fan-out during tight download loops.
var publishRate = rate.Limit(8)

// Broadcaster fans updates out to subscribers with per-subscriber buffers,
// dropping the oldest buffered update on overflow rather than blocking the
// publisher.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan Update]struct{}
	last    *Update
	limiter *rate.Limiter
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:    make(map[chan Update]struct{}),
		limiter: rate.NewLimiter(publishRate, 1),
	}
}

// Publish records u as the last known state and fans it out. Non-terminal
// updates are throttled; the recorded state is always current either way.
func (b *Broadcaster) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = &u
	if !u.terminal() && !b.limiter.Allow() {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- u:
		default:
			// Full buffer: drop the oldest so the subscriber converges
			// on recent state instead of stalling the publisher.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

// Subscribe registers an observer. The last known state, when present, is
// already buffered on the returned channel. cancel must be called when
// the observer goes away.
func (b *Broadcaster) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.last != nil {
		ch <- *b.last
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Last returns the most recent update, if any was published.
func (b *Broadcaster) Last() (Update, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Update{}, false
	}
	return *b.last, true
}
