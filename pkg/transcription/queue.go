package transcription

import "sync"

// eventQueue decouples the socket reader from the consumer. Pushes never block on
// a slow consumer and events come out in the order they went in.
type eventQueue struct {
	mu     sync.Mutex
	closed bool
	in     chan Event
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		in:  make(chan Event),
		out: make(chan Event),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.in <- ev
	return true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.in)
}

func (q *eventQueue) run() {
	var pending []Event
	in := q.in
	for in != nil || len(pending) > 0 {
		var (
			out  chan Event
			next Event
		)
		if len(pending) > 0 {
			out = q.out
			next = pending[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, ev)
		case out <- next:
			pending[0] = nil
			pending = pending[1:]
		}
	}
	close(q.out)
}
