// Package netstatus reports online/offline transitions of the uplink.
package netstatus

import "sync"

type Status int

const (
	Unknown Status = iota
	Online
	Offline
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Signal delivers connectivity transitions. The returned func unsubscribes
// and closes the channel.
type Signal interface {
	Subscribe() (<-chan Status, func())
}

// subscriberQueue bounds the transitions buffered for one subscriber.
const subscriberQueue = 8

// broadcaster fans a status out to subscribers. Each subscriber gets a small
// queue of transitions so a quick offline/online flap is seen as both; when a
// reader lags past the queue the oldest transition is dropped and the
// publisher never blocks.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Status
	next    int
	current Status
}

func (b *broadcaster) Subscribe() (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan Status)
	}

	id := b.next
	b.next++

	ch := make(chan Status, subscriberQueue)
	if b.current != Unknown {
		ch <- b.current
	}

	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs, id)
			close(ch)
		})
	}
}

// publish records s and reports whether it changed.
func (b *broadcaster) publish(s Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s == b.current {
		return false
	}

	b.current = s

	for _, ch := range b.subs {
		select {
		case ch <- s:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}

		ch <- s
	}

	return true
}

func (b *broadcaster) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.current
}

// Manual is a Signal driven by Set. It stands in for the prober when no
// probe URL is configured.
type Manual struct {
	broadcaster
}

func NewManual(initial Status) *Manual {
	m := &Manual{}
	m.publish(initial)

	return m
}

func (m *Manual) Set(s Status) {
	m.publish(s)
}
