package download

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mediaharvest/harvester/internal/harvest"
)

var errQueueClosed = errors.New("download queue closed")

// jobQueue is an unbounded FIFO with context-aware pops. Submissions come
// from the discovery workers, which must never block on a slow download pool.
type jobQueue struct {
	mu     sync.Mutex
	items  []harvest.DownloadJob
	closed bool

	wake     chan struct{}
	closedCh chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		wake:     make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

func (q *jobQueue) Push(job harvest.DownloadJob) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *jobQueue) Pop(ctx context.Context) (harvest.DownloadJob, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return job, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return harvest.DownloadJob{}, errQueueClosed
		}
		select {
		case <-ctx.Done():
			return harvest.DownloadJob{}, fmt.Errorf("job pop canceled: %w", ctx.Err())
		case <-q.wake:
		case <-q.closedCh:
		}
	}
}

func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *jobQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closedCh)
}
