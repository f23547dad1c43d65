// Package task provides the background executor that offloads CPU-heavy
// codec work from the real-time audio tasks.
//
// The executor runs one worker goroutine per queue, so jobs on a queue
// execute exactly once in submission order while independent queues never
// block each other. Pending jobs can be purged en masse on a pipeline
// reset without interrupting the job already executing.
package task

import (
	"errors"
	"sync"
)

// Queue identifies an independent FIFO job queue.
type Queue int

const (
	// QueueEncode carries capture-side compression jobs.
	QueueEncode Queue = iota
	// QueueDecode carries playback-side decompression jobs.
	QueueDecode

	numQueues
)

// DefaultQueueDepth bounds pending jobs per queue. Submit blocks when the
// queue is full, which is the capture path's backpressure.
const DefaultQueueDepth = 32

// ErrStopped is returned by Submit after the executor has been stopped.
var ErrStopped = errors.New("executor stopped")

type queueState struct {
	mu    sync.Mutex
	cond  *sync.Cond
	jobs  []func()
	depth int
}

// Executor is a bounded background worker pool with independent FIFO queues.
type Executor struct {
	queues [numQueues]*queueState
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	idleMu   sync.Mutex
	idleCond *sync.Cond
	active   int
}

// NewExecutor returns a started Executor with the given per-queue depth.
// A depth of 0 uses DefaultQueueDepth.
func NewExecutor(depth int) *Executor {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	e := &Executor{}
	e.idleCond = sync.NewCond(&e.idleMu)
	for i := range e.queues {
		qs := &queueState{depth: depth}
		qs.cond = sync.NewCond(&qs.mu)
		e.queues[i] = qs
		e.wg.Add(1)
		go e.worker(qs)
	}
	return e
}

// Submit enqueues fn on the given queue. It blocks while the queue is full
// and returns ErrStopped if the executor has been stopped.
func (e *Executor) Submit(q Queue, fn func()) error {
	qs := e.queues[q]
	qs.mu.Lock()
	defer qs.mu.Unlock()

	for len(qs.jobs) >= qs.depth {
		if e.isStopped() {
			return ErrStopped
		}
		qs.cond.Wait()
	}
	if e.isStopped() {
		return ErrStopped
	}

	e.idleMu.Lock()
	e.active++
	e.idleMu.Unlock()

	qs.jobs = append(qs.jobs, fn)
	qs.cond.Broadcast()
	return nil
}

// Purge discards all pending jobs on the given queue. A job already
// dequeued by the worker is not interrupted.
func (e *Executor) Purge(q Queue) {
	qs := e.queues[q]
	qs.mu.Lock()
	dropped := len(qs.jobs)
	qs.jobs = qs.jobs[:0]
	qs.cond.Broadcast()
	qs.mu.Unlock()

	if dropped > 0 {
		e.finish(dropped)
	}
}

// WaitIdle blocks until no job is pending or executing on any queue.
func (e *Executor) WaitIdle() {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	for e.active > 0 {
		e.idleCond.Wait()
	}
}

// Stop discards pending jobs and waits for the workers to exit. Any job
// already executing completes first.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	for i := range e.queues {
		e.Purge(Queue(i))
		e.queues[i].cond.Broadcast()
	}
	e.wg.Wait()
}

func (e *Executor) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Executor) finish(n int) {
	e.idleMu.Lock()
	e.active -= n
	if e.active <= 0 {
		e.active = 0
		e.idleCond.Broadcast()
	}
	e.idleMu.Unlock()
}

func (e *Executor) worker(qs *queueState) {
	defer e.wg.Done()
	for {
		qs.mu.Lock()
		for len(qs.jobs) == 0 {
			if e.isStopped() {
				qs.mu.Unlock()
				return
			}
			qs.cond.Wait()
		}
		fn := qs.jobs[0]
		qs.jobs = qs.jobs[1:]
		qs.cond.Broadcast() // wake a blocked Submit
		qs.mu.Unlock()

		fn()
		e.finish(1)
	}
}
