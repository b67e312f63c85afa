// Package queue provides a bounded-concurrency, priority-ordered work queue.
//
// Items are addressed by ID; an ID can be present at most once, counting both
// waiting and in-flight items. Workers pull the highest-priority waiting item,
// ties broken by insertion order.
package queue

import (
	"context"
	"sync"
)

// Event is an internal queue observability event. These stay inside the
// queue's owner and are not published on the pipeline bus.
type Event string

const (
	// ItemAdded fires when an item is accepted into the queue.
	ItemAdded Event = "ITEM_ADDED"
	// ItemProcessing fires when a worker picks an item up.
	ItemProcessing Event = "ITEM_PROCESSING"
	// ItemCompleted fires when the processor returns without error.
	ItemCompleted Event = "ITEM_COMPLETED"
	// ItemFailed fires when the processor returns an error.
	ItemFailed Event = "ITEM_FAILED"
)

// Notifier observes queue item transitions.
type Notifier func(event Event, itemID string)

// Item is one queued unit of work.
type Item[T any] struct {
	// ID addresses the item; duplicate IDs are rejected.
	ID string
	// Priority orders waiting items, higher first.
	Priority int
	// Retries counts how many times this item has been retried.
	// It belongs to the queue item, not the task, so retry bookkeeping
	// never mutates task identity.
	Retries int
	// Payload is the stage-specific payload.
	Payload T

	seq uint64
}

// Processor handles one item. A returned error marks the item failed; the
// processor is responsible for any requeueing or failure routing.
type Processor[T any] func(ctx context.Context, item *Item[T]) error

// Stats is a snapshot of queue occupancy.
type Stats struct {
	// Waiting is the number of items not yet picked up.
	Waiting int
	// Processing is the number of items currently in a worker.
	Processing int
	// MaxConcurrent is the worker limit.
	MaxConcurrent int
}

// Queue is a bounded-concurrency priority work queue.
type Queue[T any] struct {
	name          string
	maxConcurrent int
	logf          func(format string, args ...interface{})
	notify        Notifier

	mu         sync.Mutex
	cond       *sync.Cond
	waiting    []*Item[T]
	ids        map[string]bool
	processing int
	seq        uint64
	started    bool
	stopped    bool
	wg         sync.WaitGroup
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithLogger sets the debug log function.
func WithLogger[T any](logf func(format string, args ...interface{})) Option[T] {
	return func(q *Queue[T]) { q.logf = logf }
}

// WithNotifier sets the item transition observer.
func WithNotifier[T any](n Notifier) Option[T] {
	return func(q *Queue[T]) { q.notify = n }
}

// New creates a queue running at most maxConcurrent workers.
// maxConcurrent values below 1 are clamped to 1.
func New[T any](name string, maxConcurrent int, opts ...Option[T]) *Queue[T] {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &Queue[T]{
		name:          name,
		maxConcurrent: maxConcurrent,
		ids:           make(map[string]bool),
		logf:          func(string, ...interface{}) {},
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts an item preserving descending-priority order among waiting
// items. Returns false if the queue is stopped or an item with the same ID is
// already waiting or processing; duplicates are a warned no-op, not an error.
func (q *Queue[T]) Enqueue(item *Item[T]) bool {
	q.mu.Lock()

	if q.stopped {
		q.mu.Unlock()
		q.logf("[%s] rejected %s: queue stopped", q.name, item.ID)
		return false
	}
	if q.ids[item.ID] {
		q.mu.Unlock()
		q.logf("[%s] duplicate enqueue of %s ignored", q.name, item.ID)
		return false
	}

	q.seq++
	item.seq = q.seq
	q.insertLocked(item)
	q.ids[item.ID] = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.emit(ItemAdded, item.ID)
	return true
}

// insertLocked places the item before the first waiting item with strictly
// lower priority. Equal priorities keep insertion order.
func (q *Queue[T]) insertLocked(item *Item[T]) {
	pos := len(q.waiting)
	for i, w := range q.waiting {
		if w.Priority < item.Priority {
			pos = i
			break
		}
	}
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[pos+1:], q.waiting[pos:])
	q.waiting[pos] = item
}

// Start launches the worker pool. It may be called once; subsequent calls
// are no-ops. Workers exit when the queue is stopped and drained, or when
// ctx is cancelled.
func (q *Queue[T]) Start(ctx context.Context, processor Processor[T]) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.Stop()
	}()

	for i := 0; i < q.maxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker(ctx, processor)
	}
}

// worker is one cooperative worker loop.
func (q *Queue[T]) worker(ctx context.Context, processor Processor[T]) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.waiting) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.waiting) == 0 && q.stopped {
			q.mu.Unlock()
			return
		}

		item := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.processing++
		q.mu.Unlock()

		q.emit(ItemProcessing, item.ID)
		err := processor(ctx, item)

		q.mu.Lock()
		q.processing--
		delete(q.ids, item.ID)
		q.cond.Broadcast()
		q.mu.Unlock()

		if err != nil {
			q.logf("[%s] item %s failed: %v", q.name, item.ID, err)
			q.emit(ItemFailed, item.ID)
		} else {
			q.emit(ItemCompleted, item.ID)
		}
	}
}

// Stop stops accepting new work. In-flight items finish; waiting items are
// still drained by the workers. Idempotent.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// StopAndWait stops the queue and blocks until the workers exit.
func (q *Queue[T]) StopAndWait() {
	q.Stop()
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		q.wg.Wait()
	}
}

// WaitForCompletion blocks until the queue is idle: no waiting items and no
// in-flight items.
func (q *Queue[T]) WaitForCompletion() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.waiting) > 0 || q.processing > 0 {
		q.cond.Wait()
	}
}

// IsIdle reports whether the queue has no waiting or in-flight items.
func (q *Queue[T]) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) == 0 && q.processing == 0
}

// Contains reports whether an item with the given ID is waiting or in flight.
func (q *Queue[T]) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ids[id]
}

// Stats returns a snapshot of queue occupancy.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:       len(q.waiting),
		Processing:    q.processing,
		MaxConcurrent: q.maxConcurrent,
	}
}

// emit notifies the observer, if configured.
func (q *Queue[T]) emit(event Event, itemID string) {
	if q.notify != nil {
		q.notify(event, itemID)
	}
}
