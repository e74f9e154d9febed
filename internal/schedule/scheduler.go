// Package schedule provides a cooperative, single-goroutine timer engine.
//
// The owner interleaves RunDue with its own blocking I/O: RunDue fires every
// task whose time has come and reports how long the caller may wait before
// calling it again. Nothing here starts goroutines or takes locks, so tasks
// never run concurrently with each other or with the owner.
package schedule

import (
	"container/heap"
	"time"
)

// Stop, returned from Task.Fire, removes the task permanently.
const Stop time.Duration = -1

// Task is a unit of scheduled work.
type Task interface {
	// Fire runs the task and returns the delay until it should run again,
	// or Stop to remove it.
	Fire(now time.Time) time.Duration
}

// Releaser is implemented by tasks that own resources. Release is called
// exactly once when the task leaves the scheduler, whether it returned Stop
// or was cancelled.
type Releaser interface {
	Release()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(now time.Time) time.Duration

// Fire calls f(now).
func (f TaskFunc) Fire(now time.Time) time.Duration {
	return f(now)
}

// Event is a handle to a scheduled task.
type Event struct {
	sched *Scheduler
	task  Task
	due   time.Time
	seq   uint64
	index int // Position in the heap; -1 once removed.
	done  bool
}

// Cancel removes the event from its scheduler. Safe to call more than once,
// and from inside the task's own Fire.
func (e *Event) Cancel() {
	if e == nil || e.done {
		return
	}
	if e.index >= 0 {
		heap.Remove(&e.sched.events, e.index)
	}
	e.finish()
}

// Active reports whether the event is still scheduled or running.
func (e *Event) Active() bool {
	return e != nil && !e.done
}

// Due returns the time the event is next due.
func (e *Event) Due() time.Time {
	return e.due
}

func (e *Event) finish() {
	e.done = true
	e.index = -1
	if r, ok := e.task.(Releaser); ok {
		r.Release()
	}
}

// Scheduler runs due tasks on the caller's goroutine.
type Scheduler struct {
	events  eventHeap
	nextSeq uint64
	closed  bool

	// For testability; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates a scheduler. A nil clock uses time.Now.
func New(clock func() time.Time) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{nowFunc: clock}
}

// Schedule arms task to fire after delay. Negative delays fire on the next RunDue.
func (s *Scheduler) Schedule(delay time.Duration, task Task) *Event {
	ev := &Event{
		sched: s,
		task:  task,
		due:   s.nowFunc().Add(max(delay, 0)),
		seq:   s.nextSeq,
		index: -1,
	}
	s.nextSeq++
	if s.closed {
		ev.finish()
		return ev
	}
	heap.Push(&s.events, ev)
	return ev
}

// RunDue fires every event whose due time has passed and returns the delay
// until the next one. The second result is false when nothing is scheduled.
func (s *Scheduler) RunDue() (time.Duration, bool) {
	now := s.nowFunc()

	// Collect first so tasks re-armed with a zero delay wait for the next call.
	var due []*Event
	for s.events.Len() > 0 && !s.events[0].due.After(now) {
		due = append(due, heap.Pop(&s.events).(*Event))
	}

	for _, ev := range due {
		if ev.done {
			continue
		}
		if s.closed {
			ev.finish()
			continue
		}
		next := ev.task.Fire(now)
		if ev.done {
			// Cancelled from inside Fire.
			continue
		}
		if next < 0 || s.closed {
			ev.finish()
			continue
		}
		ev.due = now.Add(next)
		ev.seq = s.nextSeq
		s.nextSeq++
		heap.Push(&s.events, ev)
	}

	if s.events.Len() == 0 {
		return 0, false
	}
	return max(s.events[0].due.Sub(s.nowFunc()), 0), true
}

// Len returns the number of scheduled events.
func (s *Scheduler) Len() int {
	return s.events.Len()
}

// Close cancels every scheduled event, releasing task resources. Tasks
// scheduled afterwards are released immediately without firing.
func (s *Scheduler) Close() {
	s.closed = true
	for s.events.Len() > 0 {
		ev := heap.Pop(&s.events).(*Event)
		ev.finish()
	}
}

// eventHeap orders events by due time, then by scheduling order.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}
