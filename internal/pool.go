package internal

import "context"

type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool makes a pool of n workers. At most n functions run at once and at most n
// more wait in the queue; beyond that Queue blocks the producer. Size it against whatever
// the work contends on, usually the database connection limit, since every fingerprint
// match issues an anchor query.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// QueueContext is Queue which gives up when ctx is done before the work could be queued.
func (wp *WorkerPool) QueueContext(ctx context.Context, fn func()) error {
	select {
	case wp.ch <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
