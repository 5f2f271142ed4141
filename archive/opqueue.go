package archive

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// opQueue serializes operations per path: one worker goroutine per path
// drains a FIFO mailbox, so appends to the same journal file can never
// interleave mid-line. The worker table is LRU-bounded; evicting a worker
// drains its mailbox completely before a new worker may be created for the
// same path, preserving per-path FIFO across evictions.
type opQueue struct {
	mu      sync.Mutex
	workers *lru.Cache[string, *pathWorker]
	pending atomic.Int64
	closed  bool
	wg      sync.WaitGroup
}

type pathWorker struct {
	jobs chan job
	done chan struct{}
}

type job struct {
	fn  func() error
	res chan error
}

// mailboxDepth bounds the per-path queue. Enqueue blocks when full, which
// backpressures a runaway producer without dropping journal lines.
const mailboxDepth = 256

func newOpQueue(maxWorkers int) *opQueue {
	q := &opQueue{}
	cache, _ := lru.NewWithEvict(maxWorkers, func(_ string, w *pathWorker) {
		close(w.jobs)
		<-w.done // drain before the slot can be reused
	})
	q.workers = cache
	return q
}

// enqueue schedules fn on the path's worker and returns a channel that
// yields the result exactly once.
func (q *opQueue) enqueue(path string, fn func() error) <-chan error {
	res := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		res <- context.Canceled
		return res
	}
	w, ok := q.workers.Get(path)
	if !ok {
		w = &pathWorker{jobs: make(chan job, mailboxDepth), done: make(chan struct{})}
		q.wg.Add(1)
		go q.run(w)
		q.workers.Add(path, w)
	}
	q.pending.Add(1)
	// Send under the lock: eviction also runs under the lock, so the
	// mailbox cannot be closed out from under this send. The worker drains
	// without taking the lock, so a full mailbox still makes progress.
	w.jobs <- job{fn: fn, res: res}
	q.mu.Unlock()
	return res
}

func (q *opQueue) run(w *pathWorker) {
	defer q.wg.Done()
	defer close(w.done)
	for j := range w.jobs {
		j.res <- j.fn()
		q.pending.Add(-1)
	}
}

// depth returns the number of queued-but-unfinished operations.
func (q *opQueue) depth() int64 { return q.pending.Load() }

// close drains all workers and rejects further work.
func (q *opQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.workers.Purge() // evict callback closes and drains each worker
	q.mu.Unlock()
	q.wg.Wait()
}
