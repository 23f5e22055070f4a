// Package scheduler is a time-ordered queue of delayed callbacks driven by a
// single periodic tick. Call sites use it for "announce after N seconds
// unless superseded" debounces without owning a timer each.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTick     = time.Second
	DefaultMaxDelay = 50 * time.Minute
)

// Callback runs once when its task becomes due. The payload is the value
// given to Schedule.
type Callback func(ctx context.Context, payload any) error

// Task is one queued callback. Tasks are ordered by (ExecuteAt, Priority);
// a lower Priority runs first when two tasks share an instant.
type Task struct {
	ID        string
	ExecuteAt time.Time
	Priority  int
	Payload   any

	callback Callback
}

func (t *Task) before(o *Task) bool {
	if t.ExecuteAt.Equal(o.ExecuteAt) {
		return t.Priority < o.Priority
	}
	return t.ExecuteAt.Before(o.ExecuteAt)
}

type Option func(*Scheduler)

// WithTick sets the period of the driver loop started by Start.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMaxDelay sets the clamp applied to every Schedule delay.
func WithMaxDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxDelay = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type Scheduler struct {
	mu       sync.Mutex
	tasks    []*Task // sorted ascending by (ExecuteAt, Priority)
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	tick     time.Duration
	maxDelay time.Duration
	now      func() time.Time

	runMu sync.Mutex // serializes RunDue so ticks never overlap
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tick:     DefaultTick,
		maxDelay: DefaultMaxDelay,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues cb to run after delay and returns the task id. Negative
// delays run on the next tick and delays above the maximum are clamped.
// After Shutdown the call is a no-op and returns an empty id.
func (s *Scheduler) Schedule(delay time.Duration, cb Callback, payload any, priority int) string {
	if cb == nil {
		return ""
	}
	if delay < 0 {
		delay = 0
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}

	t := &Task{
		ID:        uuid.NewString(),
		ExecuteAt: s.now().Add(delay),
		Priority:  priority,
		Payload:   payload,
		callback:  cb,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ""
	}
	i := sort.Search(len(s.tasks), func(i int) bool { return t.before(s.tasks[i]) })
	s.tasks = append(s.tasks, nil)
	copy(s.tasks[i+1:], s.tasks[i:])
	s.tasks[i] = t
	return t.ID
}

// Cancel removes a queued task. It reports false when the id is unknown,
// already dequeued, or empty.
func (s *Scheduler) Cancel(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// PeekNextTime returns the execution time of the head of the queue.
func (s *Scheduler) PeekNextTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].ExecuteAt, true
}

// popReady dequeues every task due at or before now, in queue order.
func (s *Scheduler) popReady(now time.Time) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := sort.Search(len(s.tasks), func(i int) bool { return s.tasks[i].ExecuteAt.After(now) })
	if n == 0 {
		return nil
	}
	ready := make([]*Task, n)
	copy(ready, s.tasks[:n])
	s.tasks = append(s.tasks[:0], s.tasks[n:]...)
	return ready
}

// RunDue pops every ready task and runs the callbacks concurrently, waiting
// for all of them. It returns the number of tasks executed.
func (s *Scheduler) RunDue(ctx context.Context) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.execute(ctx, s.popReady(s.now()))
}

func (s *Scheduler) execute(ctx context.Context, tasks []*Task) int {
	if len(tasks) == 0 {
		return 0
	}
	var g errgroup.Group
	for _, t := range tasks {
		g.Go(func() error {
			if err := runTask(ctx, t); err != nil {
				log.Printf("[scheduler] task %s failed: %v", t.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks)
}

func runTask(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return t.callback(ctx, t.Payload)
}

// Start drives RunDue every tick until ctx is cancelled or Shutdown is
// called. It blocks; run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || s.done != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// Shutdown stops the driver loop. With executeRemaining the queued tasks are
// run immediately regardless of their due time; otherwise they are dropped.
// Later Schedule calls are ignored.
func (s *Scheduler) Shutdown(executeRemaining bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	remaining := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	if !executeRemaining {
		if len(remaining) > 0 {
			log.Printf("[scheduler] discarded %d pending tasks", len(remaining))
		}
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	n := s.execute(context.Background(), remaining)
	if n > 0 {
		log.Printf("[scheduler] flushed %d pending tasks", n)
	}
}
