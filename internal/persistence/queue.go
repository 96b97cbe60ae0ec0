package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// Task is one unit of persistence work. Errors are logged and counted but
// never cancel sibling tasks or the queue.
type Task func(ctx context.Context) error

// Queue is an unbounded FIFO with a fixed worker concurrency bound.
// Enqueue never blocks; Drain is a barrier covering tasks enqueued while
// the drain is in progress.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	active  int
	limit   int

	onFailure func()
	logger    arbor.ILogger
	ctx       context.Context
}

// NewQueue creates a queue running at most limit tasks concurrently.
// onFailure is invoked once per failed task (may be nil).
func NewQueue(ctx context.Context, limit int, onFailure func(), logger arbor.ILogger) *Queue {
	if limit < 1 {
		limit = 1
	}
	q := &Queue{
		limit:     limit,
		onFailure: onFailure,
		logger:    logger,
		ctx:       ctx,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a task and starts it immediately if a worker slot is free
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.dispatchLocked()
	q.mu.Unlock()
}

// Drain blocks until every queued and active task has completed, including
// tasks enqueued after the drain began
func (q *Queue) Drain() {
	q.mu.Lock()
	for len(q.pending) > 0 || q.active > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// Stats returns current pending and active counts
func (q *Queue) Stats() (pending, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.active
}

// dispatchLocked starts pending tasks while worker slots remain
func (q *Queue) dispatchLocked() {
	for q.active < q.limit && len(q.pending) > 0 {
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.active++
		go q.run(task)
	}
}

func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Persistence task panicked")
			if q.onFailure != nil {
				q.onFailure()
			}
		}
		q.mu.Lock()
		q.active--
		q.dispatchLocked()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	if err := task(q.ctx); err != nil {
		q.logger.Warn().Err(err).Msg("Persistence task failed")
		if q.onFailure != nil {
			q.onFailure()
		}
	}
}
