package bus

import "sync"

// Seen is an in-memory dedup tracker for delivery IDs, so a handler
// wrapped with Seen.Once never processes the same at-least-once
// redelivery twice. Recorded IDs are never evicted, so its memory grows
// with every distinct delivery. It is not persisted: a process restart forgets what
// it has seen, which is safe because handlers are themselves idempotent
// (re-running SetRelativeState or PostStatus is harmless).
type Seen struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewSeen constructs an empty dedup tracker.
func NewSeen() *Seen {
	return &Seen{ids: map[string]struct{}{}}
}

// Once reports whether this is the first time id has been seen (true on
// first sight, false afterwards), recording it either way.
func (s *Seen) Once(id string) (firstTime bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}
