package bus

import "sync"

// lane is an unbounded FIFO of deliveries for one subscription. Pushing
// never blocks, so a handler that emits further events cannot stall the
// emitter that is waiting on it.
type lane struct {
	mu     sync.Mutex
	queue  []delivery
	wake   chan struct{}
	closed bool
}

func newLane() *lane {
	return &lane{wake: make(chan struct{}, 1)}
}

func (l *lane) push(d delivery) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, d)
	l.mu.Unlock()
	l.signal()
	return true
}

// pop blocks until a delivery is available. It returns false once the lane
// is closed and drained.
func (l *lane) pop() (delivery, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			d := l.queue[0]
			l.queue[0] = delivery{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return d, true
		}
		if l.closed {
			l.mu.Unlock()
			return delivery{}, false
		}
		l.mu.Unlock()
		<-l.wake
	}
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
