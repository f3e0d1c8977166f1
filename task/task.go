// Package task implements the §5 concurrency model: an execution queue
// that runs tasks with a bounded concurrency cap, FIFO per key, and
// broadcasts Completed/Discarded notifications, plus a cancellation token
// usable across the whole fabric.
//
// Go already gives every blocking operation a context.Context; blobfabric
// uses context cancellation as the "control token" spec.md describes, and
// layers the FIFO-per-key + bounded-concurrency behavior on top since the
// standard library has no equivalent to an ordered, capped work queue.
package task

import (
	"context"
	"sync"

	"github.com/hannahhoward/go-pubsub"
)

// State is a task's position in its lifecycle (spec.md §5).
type State int

const (
	Created State = iota
	Scheduled
	Running
	Completed
	Failed
	Cancelled
)

// Event is published on a Queue's pubsub bus.
type Event struct {
	Kind string // "TaskDiscarded" | "AllTasksCompleted"
	Key  string
}

const (
	EventTaskDiscarded    = "TaskDiscarded"
	EventAllTasksComplete = "AllTasksCompleted"
)

// Func is the unit of work a Queue runs. ctx is cancelled if the queue is
// shut down or CancelAll is called while the task is pending.
type Func func(ctx context.Context) error

type job struct {
	key string
	fn  Func
	// done is closed once state transitions to a terminal state.
	done  chan struct{}
	state State
	err   error
	mu    sync.Mutex
}

func (j *job) setState(s State, err error) {
	j.mu.Lock()
	j.state = s
	j.err = err
	j.mu.Unlock()
	select {
	case <-j.done:
	default:
		close(j.done)
	}
}

func (j *job) State() (State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.err
}

// Handle lets a caller wait for or cancel one submitted task.
type Handle struct {
	job    *job
	cancel context.CancelFunc
}

// Wait blocks until the task reaches a terminal state and returns its error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.job.done:
		_, err := h.job.State()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation of this task specifically.
func (h *Handle) Cancel() { h.cancel() }

// Queue is a FIFO-per-key, bounded-concurrency execution queue (spec.md
// §5 "execution queue"). A zero maxConcurrent means unbounded.
type Queue struct {
	maxConcurrent int
	sem           chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	perKey   map[string]chan struct{} // serializes jobs sharing a key
	pending  int
	children []*Queue

	bus *pubsub.PubSub
}

// NewQueue constructs a Queue whose parent context is ctx (spec.md's
// control token); maxConcurrent<=0 means no cap.
func NewQueue(ctx context.Context, maxConcurrent int) *Queue {
	qctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		maxConcurrent: maxConcurrent,
		ctx:           qctx,
		cancel:        cancel,
		perKey:        make(map[string]chan struct{}),
		bus:           pubsub.New(eventMerger),
	}
	if maxConcurrent > 0 {
		q.sem = make(chan struct{}, maxConcurrent)
	}
	return q
}

func eventMerger(evt pubsub.Event, subFn pubsub.SubscriberFn) error {
	handler, ok := subFn.(func(Event))
	if !ok {
		return nil
	}
	handler(evt.(Event))
	return nil
}

// Subscribe registers fn to receive queue events.
func (q *Queue) Subscribe(fn func(Event)) pubsub.Subscriber {
	return q.bus.Subscribe(fn)
}

func (q *Queue) publish(evt Event) { q.bus.Publish(evt) }

// NewChild creates a queue whose lifetime is tied to this one (spec.md
// "a server's acceptor queue owns a child queue of connection tasks").
func (q *Queue) NewChild(maxConcurrent int) *Queue {
	c := NewQueue(q.ctx, maxConcurrent)
	q.mu.Lock()
	q.children = append(q.children, c)
	q.mu.Unlock()
	return c
}

// Push schedules fn to run, serialized against any other pending job
// sharing the same non-empty key (spec.md "per chunk id, operations ...
// are FIFO"). Returns a Handle the caller can Wait on or Cancel.
func (q *Queue) Push(key string, fn Func) *Handle {
	j := &job{key: key, fn: fn, done: make(chan struct{})}
	jctx, jcancel := context.WithCancel(q.ctx)
	h := &Handle{job: j, cancel: jcancel}

	q.mu.Lock()
	q.pending++
	gate := q.perKey[key]
	next := make(chan struct{}, 1)
	if key != "" {
		q.perKey[key] = next
	}
	q.mu.Unlock()

	go func() {
		if q.sem != nil {
			select {
			case q.sem <- struct{}{}:
				defer func() { <-q.sem }()
			case <-jctx.Done():
				j.setState(Cancelled, jctx.Err())
				q.publish(Event{Kind: EventTaskDiscarded, Key: key})
				q.finish()
				if key != "" {
					close(next)
				}
				return
			}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-jctx.Done():
				j.setState(Cancelled, jctx.Err())
				q.publish(Event{Kind: EventTaskDiscarded, Key: key})
				q.finish()
				if key != "" {
					close(next)
				}
				return
			}
		}

		j.setState(Running, nil)
		err := fn(jctx)
		if err != nil {
			if jctx.Err() != nil {
				j.setState(Cancelled, jctx.Err())
			} else {
				j.setState(Failed, err)
			}
		} else {
			j.setState(Completed, nil)
		}
		q.finish()
		if key != "" {
			close(next)
		}
	}()

	return h
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.pending--
	empty := q.pending == 0
	q.mu.Unlock()
	if empty {
		q.publish(Event{Kind: EventAllTasksComplete})
	}
}

// Flush blocks until there is no pending work on this queue (best-effort;
// new Push calls racing with Flush are not waited on).
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	sub := q.Subscribe(func(e Event) {
		if e.Kind == EventAllTasksComplete {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	defer sub.Close()

	q.mu.Lock()
	empty := q.pending == 0
	q.mu.Unlock()
	if empty {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll broadcasts cancellation to every task on this queue and its
// children (spec.md §5 "A control token broadcasts cancellation to all
// registered cancellable tasks"). If wait is true it blocks until drained.
func (q *Queue) CancelAll(wait bool) {
	q.cancel()
	q.mu.Lock()
	children := append([]*Queue(nil), q.children...)
	q.mu.Unlock()
	for _, c := range children {
		c.CancelAll(wait)
	}
	if wait {
		_ = q.Flush(context.Background())
	}
}

// Done returns a channel closed when this queue's context is cancelled.
func (q *Queue) Done() <-chan struct{} { return q.ctx.Done() }

// Context returns the queue's cancellation context.
func (q *Queue) Context() context.Context { return q.ctx }
