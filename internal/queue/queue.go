// Package queue is the queue fabric: named queues carrying QueueMessage
// envelopes with at-least-once delivery, delayed delivery, and
// dead-lettering. Blocking waits are condvar-based; delivery-attempt
// bookkeeping rides on each envelope.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/model"
)

// ErrSaturated is returned by Enqueue/EnqueueAfter once a queue's hard limit
// is reached; the fabric never silently drops a message.
var ErrSaturated = errors.New("queue saturated")

// Envelope is one in-flight delivery of a QueueMessage.
type Envelope struct {
	ID       string
	Message  model.QueueMessage
	Attempts int // number of times this envelope has been handed to Dequeue
}

type delayedItem struct {
	deliverAt time.Time
	env       *Envelope
	index     int
}

type delayedHeap []*delayedItem

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].deliverAt.Before(h[j].deliverAt) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayedHeap) Push(x any) {
	item := x.(*delayedItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type inFlight struct {
	env      *Envelope
	deadline time.Time
}

// Queue is a single named queue with at-least-once delivery semantics.
type Queue struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	ready    []*Envelope
	delayed  delayedHeap
	inFlight map[string]*inFlight
	dead     []*Envelope

	softThreshold     int
	hardLimit         int
	visibilityTimeout time.Duration
	maxRedeliveries   int
}

// Options configures a Queue's backpressure and redelivery behavior.
type Options struct {
	SoftThreshold     int           // surfaced through health checks; default 1000
	HardLimit         int           // Enqueue refuses beyond this; default 10x soft
	VisibilityTimeout time.Duration // how long a dequeued message stays invisible before auto-redelivery; default 300s
	MaxRedeliveries   int           // an envelope already delivered this many times whose lease lapses again moves to dead-letter instead of being redelivered; default 5
}

func (o Options) withDefaults() Options {
	if o.SoftThreshold <= 0 {
		o.SoftThreshold = 1000
	}
	if o.HardLimit <= 0 {
		o.HardLimit = o.SoftThreshold * 10
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 300 * time.Second
	}
	if o.MaxRedeliveries <= 0 {
		o.MaxRedeliveries = 5
	}
	return o
}

// New creates an empty queue named name.
func New(name string, opts Options) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		name:              name,
		inFlight:          make(map[string]*inFlight),
		softThreshold:     opts.SoftThreshold,
		hardLimit:         opts.HardLimit,
		visibilityTimeout: opts.VisibilityTimeout,
		maxRedeliveries:   opts.MaxRedeliveries,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Name() string { return q.name }

// Depth reports the number of messages not yet acknowledged: ready + delayed
// + in-flight. Surfaced through health checks for backpressure.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed) + len(q.inFlight)
}

func (q *Queue) SoftThresholdExceeded() bool {
	return q.Depth() > q.softThreshold
}

// Enqueue appends a message for immediate delivery.
func (q *Queue) Enqueue(msg model.QueueMessage) (string, error) {
	return q.enqueueAt(msg, time.Time{})
}

// EnqueueAfter schedules a message for delivery no earlier than delay from
// now — used for deferred cleanup and for the worker runtime's retry
// backoff.
func (q *Queue) EnqueueAfter(msg model.QueueMessage, delay time.Duration) (string, error) {
	return q.enqueueAt(msg, time.Now().Add(delay))
}

func (q *Queue) enqueueAt(msg model.QueueMessage, deliverAt time.Time) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready)+len(q.delayed)+len(q.inFlight) >= q.hardLimit {
		return "", ErrSaturated
	}

	id := uuid.New().String()
	env := &Envelope{ID: id, Message: msg}

	if deliverAt.IsZero() || !deliverAt.After(time.Now()) {
		q.ready = append(q.ready, env)
		q.cond.Signal()
	} else {
		heap.Push(&q.delayed, &delayedItem{deliverAt: deliverAt, env: env})
	}
	return id, nil
}

// promoteDue moves any delayed envelopes whose time has come into ready.
// Caller must hold q.mu.
func (q *Queue) promoteDue() {
	now := time.Now()
	for q.delayed.Len() > 0 && !q.delayed[0].deliverAt.After(now) {
		item := heap.Pop(&q.delayed).(*delayedItem)
		q.ready = append(q.ready, item.env)
	}
}

// reclaimExpiredLeases moves in-flight envelopes whose visibility timeout
// has lapsed back to ready (the worker holding them is presumed dead),
// unless their delivery count has reached maxRedeliveries, in which case they go to the
// dead-letter list instead. Caller must hold q.mu.
func (q *Queue) reclaimExpiredLeases() {
	now := time.Now()
	for id, f := range q.inFlight {
		if f.deadline.After(now) {
			continue
		}
		delete(q.inFlight, id)
		if f.env.Attempts >= q.maxRedeliveries {
			q.dead = append(q.dead, f.env)
			continue
		}
		q.ready = append(q.ready, f.env)
	}
}

// Dequeue blocks until a message is available, ctx is cancelled, or timeout
// elapses, whichever first. Returns the envelope on success; the caller must
// Ack or dead-letter it. Per-queue FIFO ordering is not guaranteed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	deadline := time.Now().Add(timeout)

	// A watcher goroutine wakes the condvar when ctx is done or the
	// deadline passes, since sync.Cond has no native timeout/cancel.
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		case <-done:
			return
		}
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		q.promoteDue()
		q.reclaimExpiredLeases()

		if len(q.ready) > 0 {
			env := q.ready[0]
			q.ready = q.ready[1:]
			env.Attempts++
			q.inFlight[env.ID] = &inFlight{env: env, deadline: time.Now().Add(q.visibilityTimeout)}
			return env, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, context.DeadlineExceeded
		}

		q.cond.Wait()
	}
}

// Ack acknowledges successful (or successfully-rescheduled) handling of an
// envelope, removing it from the in-flight set for good.
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
}

// DeadLetter explicitly moves an envelope to the dead-letter list, used by
// the worker runtime once retry_count exhausts max_retries rather than
// waiting for a visibility-timeout-driven redelivery.
func (q *Queue) DeadLetter(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f, ok := q.inFlight[id]; ok {
		delete(q.inFlight, id)
		q.dead = append(q.dead, f.env)
	}
}

// DeadLetters returns a snapshot of the dead-letter list, for operator
// inspection and tests.
func (q *Queue) DeadLetters() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Envelope, len(q.dead))
	copy(out, q.dead)
	return out
}
