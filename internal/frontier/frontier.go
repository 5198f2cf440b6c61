// Package frontier provides the prioritized, deduplicating URL queue that
// feeds the discovery workers.
package frontier

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// Config bounds and shapes the frontier.
type Config struct {
	// MaxDepth rejects tasks discovered deeper than this many hops from a
	// seed. Seeds are depth 0.
	MaxDepth int
	// SeedDomains rank above foreign domains when domain restriction is off.
	SeedDomains []string
	// PreferSeedDomains enables the seed-domain affinity tie-break.
	PreferSeedDomains bool
}

// Frontier is a priority heap plus a seen-set behind one mutex, so a push
// observes a fully consistent dedup state and a pop always returns the
// current best task. Ordering is class desc, depth asc, seed-domain affinity,
// then FIFO.
type Frontier struct {
	mu     sync.Mutex
	tasks  taskHeap
	seen   map[string]struct{}
	seq    uint64
	closed bool

	cfg         Config
	seedDomains map[string]struct{}

	wake     chan struct{}
	closedCh chan struct{}
}

// New constructs an empty frontier.
func New(cfg Config) *Frontier {
	seeds := make(map[string]struct{}, len(cfg.SeedDomains))
	for _, d := range cfg.SeedDomains {
		seeds[harvest.BaseDomain(d)] = struct{}{}
	}
	return &Frontier{
		seen:        make(map[string]struct{}),
		cfg:         cfg,
		seedDomains: seeds,
		wake:        make(chan struct{}, 1),
		closedCh:    make(chan struct{}),
	}
}

// Push offers a task to the frontier. It returns false, without error, when
// the canonical URL was already seen, the depth exceeds the bound, or the
// frontier is closed. A true return means the task will eventually be popped
// (absent shutdown).
func (f *Frontier) Push(task harvest.URLTask) bool {
	if task.URL == "" || (f.cfg.MaxDepth > 0 && task.Depth > f.cfg.MaxDepth) {
		return false
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	if _, dup := f.seen[task.URL]; dup {
		f.mu.Unlock()
		return false
	}
	f.seen[task.URL] = struct{}{}
	f.seq++
	heap.Push(&f.tasks, &entry{
		task:     task,
		seedHome: f.isSeedDomain(task.Domain),
		seq:      f.seq,
	})
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Requeue restores a previously popped task, bypassing the seen-set check
// that would otherwise reject its URL as a duplicate. The depth bound and the
// closed state still apply. It is intended for tasks that were popped and
// then deferred, such as during a domain quarantine.
func (f *Frontier) Requeue(task harvest.URLTask) bool {
	if task.URL == "" || (f.cfg.MaxDepth > 0 && task.Depth > f.cfg.MaxDepth) {
		return false
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.seen[task.URL] = struct{}{}
	f.seq++
	heap.Push(&f.tasks, &entry{
		task:     task,
		seedHome: f.isSeedDomain(task.Domain),
		seq:      f.seq,
	})
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a task is available, the context ends, or the frontier is
// closed and drained.
func (f *Frontier) Pop(ctx context.Context) (harvest.URLTask, error) {
	for {
		f.mu.Lock()
		if f.tasks.Len() > 0 {
			task := heap.Pop(&f.tasks).(*entry).task
			remaining := f.tasks.Len()
			f.mu.Unlock()
			if remaining > 0 {
				// Hand the wake token on so a second waiter is not stranded.
				select {
				case f.wake <- struct{}{}:
				default:
				}
			}
			return task, nil
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return harvest.URLTask{}, harvest.ErrFrontierClosed
		}

		select {
		case <-ctx.Done():
			return harvest.URLTask{}, fmt.Errorf("frontier pop canceled: %w", ctx.Err())
		case <-f.wake:
		case <-f.closedCh:
		}
	}
}

// Len returns the number of queued tasks.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks.Len()
}

// Seen reports whether the canonical URL was ever pushed.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[url]
	return ok
}

// Close marks the frontier finished and wakes all blocked poppers. Queued
// tasks remain poppable; it is safe to call more than once.
func (f *Frontier) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.closedCh)
}

// Pending returns the queued tasks in priority order for snapshotting.
func (f *Frontier) Pending() []harvest.URLTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := make(taskHeap, len(f.tasks))
	copy(sorted, f.tasks)
	heap.Init(&sorted)
	out := make([]harvest.URLTask, 0, len(sorted))
	for sorted.Len() > 0 {
		out = append(out, heap.Pop(&sorted).(*entry).task)
	}
	return out
}

func (f *Frontier) isSeedDomain(domain string) bool {
	if !f.cfg.PreferSeedDomains || domain == "" {
		return false
	}
	_, ok := f.seedDomains[harvest.BaseDomain(domain)]
	return ok
}

type entry struct {
	task     harvest.URLTask
	seedHome bool
	seq      uint64
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Class != b.task.Class {
		return a.task.Class > b.task.Class
	}
	if a.task.Depth != b.task.Depth {
		return a.task.Depth < b.task.Depth
	}
	if a.seedHome != b.seedHome {
		return a.seedHome
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
