// Package shutdown runs the remotely triggered, ordered teardown of the node.
package shutdown

import "sync"

// Signal is a single-slot, single-use shutdown notification.
// The first Request wins; later requests are no-ops.
//
// Thread-safety: safe for concurrent use (any number of producers).
type Signal struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewSignal creates an unsignalled Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Request pushes the shutdown signal. It reports whether this call was the
// one that delivered it.
func (s *Signal) Request(reason string) bool {
	delivered := false
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		delivered = true
	})
	return delivered
}

// Done is closed once the signal has been delivered.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Requested reports whether the signal has been delivered.
func (s *Signal) Requested() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason passed to the winning Request ("" before).
func (s *Signal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
