package fetch

import "sync"

// hostLimiter caps concurrent requests per host so a burst of items pointing
// at one site never turns into a request flood against it.
type hostLimiter struct {
	mu      sync.Mutex
	perHost int
	slots   map[string]chan struct{}
}

func newHostLimiter(perHost int) *hostLimiter {
	if perHost < 1 {
		perHost = 1
	}
	return &hostLimiter{perHost: perHost, slots: make(map[string]chan struct{})}
}

// acquire blocks until a slot for host is free and returns its release func.
func (l *hostLimiter) acquire(host string) (release func()) {
	l.mu.Lock()
	sem, ok := l.slots[host]
	if !ok {
		sem = make(chan struct{}, l.perHost)
		l.slots[host] = sem
	}
	l.mu.Unlock()

	sem <- struct{}{}
	return func() { <-sem }
}
