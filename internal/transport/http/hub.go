package httpserver

import "sync"

// subscriberQueueSize bounds how far a slow subscriber may lag before it is dropped.
const subscriberQueueSize = 8

// subscriber is one open /events or /ws connection.
type subscriber struct {
	queue chan uint64
	// done is closed when the hub drops the subscriber.
	done chan struct{}
}

// hub fans reload revisions out to every connected subscriber.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	rev    uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// subscribe adds a subscriber. It returns nil once the hub is closed.
func (h *hub) subscribe() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	sub := &subscriber{
		queue: make(chan uint64, subscriberQueueSize),
		done:  make(chan struct{}),
	}
	h.subs[sub] = struct{}{}
	return sub
}

// unsubscribe removes sub. Safe to call after the hub already dropped it.
func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *hub) dropLocked(sub *subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.done)
}

// broadcast bumps the revision and queues it for every subscriber before
// returning. Subscribers whose queue is full are dropped.
func (h *hub) broadcast() (rev uint64, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rev++
	for sub := range h.subs {
		select {
		case sub.queue <- h.rev:
		default:
			h.dropLocked(sub)
			dropped++
		}
	}
	return h.rev, dropped
}

// closeAll drops every subscriber and refuses new ones.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		h.dropLocked(sub)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) revision() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rev
}
