package sinks

import (
	"context"
	"sync"

	"github.com/mediaharvest/harvester/internal/progress"
)

const defaultRingCapacity = 1024

// MemorySink keeps the most recent events in a ring buffer so the control API
// can serve them without a durable store.
type MemorySink struct {
	mu    sync.Mutex
	ring  []progress.Event
	next  int
	count int
}

// NewMemorySink builds a sink retaining up to capacity events (default 1024).
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &MemorySink{ring: make([]progress.Event, capacity)}
}

// Consume appends the batch, evicting the oldest events once full.
func (s *MemorySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.ring[s.next] = evt
		s.next = (s.next + 1) % len(s.ring)
		if s.count < len(s.ring) {
			s.count++
		}
	}
	return nil
}

// Recent returns up to n retained events, oldest first. n <= 0 returns all.
func (s *MemorySink) Recent(n int) []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]progress.Event, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *MemorySink) Close(context.Context) error {
	return nil
}
