package script

import (
	"context"
	"sync"
)

// fifoLock is a mutex granted in arrival order.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// enqueue takes a place in line. The returned ticket is closed once the
// lock is granted to it.
func (l *fifoLock) enqueue() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	if !l.held {
		l.held = true
		close(ch)
		return ch
	}
	l.waiters = append(l.waiters, ch)
	return ch
}

// wait blocks until ticket is granted, stop is closed or ctx is done. A
// ticket given up is passed on or leaves the line.
func (l *fifoLock) wait(ctx context.Context, ticket chan struct{}, stop <-chan struct{}) bool {
	select {
	case <-ticket:
		return true
	default:
	}
	select {
	case <-ticket:
		return true
	case <-stop:
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-ticket:
		// Granted while giving up; pass it on.
		l.handoff()
		return false
	default:
	}
	for i, w := range l.waiters {
		if w == ticket {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	return false
}

func (l *fifoLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handoff()
}

func (l *fifoLock) handoff() {
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}
