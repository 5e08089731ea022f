// Package with an in-memory job queue.
//
// A queue is a single tube of tasks. A task is put in the ready (or delayed)
// state, taken by a consumer and then acknowledged, released back, buried or
// deleted. The Processor runs jobs from a queue through the load balancing
// server middleware and reschedules the jobs that have to wait for the
// replicas.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskNotTaken = errors.New("task is not taken")
	ErrQueueEnded   = errors.New("queue is ended")
	ErrEmptyData    = errors.New("task data should not be empty")
)

// Queue is a handle to a tube.
type Queue interface {
	// Name returns the tube name.
	Name() string
	// Put creates new task in a tube.
	Put(data []byte) (*Task, error)
	// PutWithOpts creates new task with options different from tube's defaults.
	PutWithOpts(data []byte, cfg Opts) (*Task, error)
	// Take takes 'ready' task from a tube and marks it as 'in progress'. It
	// waits until a task becomes ready or ctx is done.
	Take(ctx context.Context) (*Task, error)
	// TakeTimeout takes 'ready' task from a tube and marks it as "in
	// progress", or returns nil after the "timeout" period.
	TakeTimeout(timeout time.Duration) (*Task, error)
	// Peek returns task by its id.
	Peek(taskId uint64) (*Task, error)
	// Kick reverts effect of Task.Bury() for count tasks.
	Kick(count uint64) (uint64, error)
	// Delete the task identified by its id.
	Delete(taskId uint64) error
	// ReleaseAll forcibly returns all taken tasks to a ready state.
	ReleaseAll() error
	// State returns a current queue state.
	State() State
	// Statistic returns some statistic about queue.
	Statistic() Statistic
	// Close ends the queue. Blocked Take calls return ErrQueueEnded.
	Close()
}

// Opts are task options.
type Opts struct {
	Pri   int           // Task priorities, lower is taken first.
	Delay time.Duration // Delayed execution.
}

// Cfg is a queue configuration.
type Cfg struct {
	Clock clock.Clock
	Opts
}

// Statistic is the number of tasks in a queue broken down by task state,
// and the number of requests broken down by the type of request.
type Statistic struct {
	Tasks TaskStatistic
	Calls map[string]uint64
}

type TaskStatistic struct {
	Ready   uint64
	Taken   uint64
	Done    uint64
	Buried  uint64
	Delayed uint64
	Total   uint64
}

type queue struct {
	name  string
	cfg   Cfg
	clock clock.Clock

	mutex  sync.Mutex
	nextId uint64
	tasks  map[uint64]*Task
	done   uint64
	calls  map[string]uint64
	state  State
	notify chan struct{}
	ended  chan struct{}
}

// New creates a queue handle.
func New(name string, cfg Cfg) Queue {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &queue{
		name:   name,
		cfg:    cfg,
		clock:  cfg.Clock,
		tasks:  make(map[uint64]*Task),
		calls:  make(map[string]uint64),
		state:  RunningState,
		notify: make(chan struct{}, 1),
		ended:  make(chan struct{}),
	}
}

func (q *queue) Name() string {
	return q.name
}

// Put data to queue. Returns task.
func (q *queue) Put(data []byte) (*Task, error) {
	return q.PutWithOpts(data, q.cfg.Opts)
}

// Put data with options (pri/delay) to queue. Returns task.
func (q *queue) PutWithOpts(data []byte, cfg Opts) (*Task, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.state != RunningState {
		return nil, ErrQueueEnded
	}
	q.calls["put"]++

	t := &Task{
		id:   q.nextId,
		data: data,
		pri:  cfg.Pri,
		q:    q,
	}
	q.nextId++
	q.schedule(t, cfg.Delay)
	q.tasks[t.id] = t

	return q.snapshot(t), nil
}

// The take request searches for a task in the queue. Waits until a task
// becomes ready or ctx is done.
func (q *queue) Take(ctx context.Context) (*Task, error) {
	// One timer per call, re-armed for the next delayed task.
	var timer clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		t, wait, err := q.tryTake()
		if t != nil || err != nil {
			return t, err
		}

		var ready <-chan time.Time
		switch {
		case wait <= 0:
			if timer != nil {
				timer.Stop()
			}
		case timer == nil:
			timer = q.clock.NewTimer(wait)
			ready = timer.Chan()
		default:
			timer.Reset(wait)
			ready = timer.Chan()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ended:
			return nil, ErrQueueEnded
		case <-q.notify:
		case <-ready:
		}
	}
}

// The take request searches for a task in the queue. Waits until a task
// becomes ready or the timeout expires. Returns nil task on timeout.
func (q *queue) TakeTimeout(timeout time.Duration) (*Task, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-q.clock.After(timeout):
			cancel()
		case <-ctx.Done():
		}
	}()

	t, err := q.Take(ctx)
	if errors.Is(err, context.Canceled) {
		return nil, nil
	}
	return t, err
}

// tryTake takes the ready task with the lowest priority and id. If there is
// none, it returns the time until the next delayed task is ready.
func (q *queue) tryTake() (*Task, time.Duration, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.state != RunningState {
		return nil, 0, ErrQueueEnded
	}

	now := q.clock.Now()
	var (
		next *Task
		wait time.Duration
	)
	for _, t := range q.tasks {
		if t.status == DELAYED {
			if !t.readyAt.After(now) {
				t.status = READY
			} else if d := t.readyAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
		}
		if t.status != READY {
			continue
		}
		if next == nil || t.pri < next.pri || (t.pri == next.pri && t.id < next.id) {
			next = t
		}
	}

	if next == nil {
		return nil, wait, nil
	}

	q.calls["take"]++
	next.status = TAKEN
	return q.snapshot(next), 0, nil
}

// Look at a task without changing its state.
func (q *queue) Peek(taskId uint64) (*Task, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.calls["peek"]++
	t, ok := q.tasks[taskId]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskId)
	}
	return q.snapshot(t), nil
}

// Reverse the effect of a bury request on one or more tasks.
func (q *queue) Kick(count uint64) (uint64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.calls["kick"]++

	buried := make([]*Task, 0)
	for _, t := range q.tasks {
		if t.status == BURIED {
			buried = append(buried, t)
		}
	}
	sort.Slice(buried, func(i, j int) bool {
		return buried[i].id < buried[j].id
	})

	var kicked uint64
	for _, t := range buried {
		if kicked == count {
			break
		}
		t.status = READY
		kicked++
	}
	if kicked > 0 {
		q.wakeUp()
	}
	return kicked, nil
}

// Delete the task identified by its id.
func (q *queue) Delete(taskId uint64) error {
	_, err := q.delete(taskId)
	return err
}

// ReleaseAll forcibly returns all taken tasks to a ready state.
func (q *queue) ReleaseAll() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.calls["release_all"]++
	for _, t := range q.tasks {
		if t.status == TAKEN {
			t.status = READY
		}
	}
	q.wakeUp()
	return nil
}

// State returns a current queue state.
func (q *queue) State() State {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.state
}

// Return the number of tasks in a queue broken down by task_state, and the
// number of requests broken down by the type of request.
func (q *queue) Statistic() Statistic {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	stat := Statistic{Calls: make(map[string]uint64, len(q.calls))}
	for call, n := range q.calls {
		stat.Calls[call] = n
	}

	now := q.clock.Now()
	for _, t := range q.tasks {
		switch {
		case t.status == DELAYED && t.readyAt.After(now):
			stat.Tasks.Delayed++
		case t.status == DELAYED, t.status == READY:
			stat.Tasks.Ready++
		case t.status == TAKEN:
			stat.Tasks.Taken++
		case t.status == BURIED:
			stat.Tasks.Buried++
		}
	}
	stat.Tasks.Done = q.done
	stat.Tasks.Total = uint64(len(q.tasks))
	return stat
}

func (q *queue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.state == EndingState {
		return
	}
	q.state = EndingState
	close(q.ended)
}

func (q *queue) ack(taskId uint64) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.calls["ack"]++
	t, err := q.taken(taskId)
	if err != nil {
		return "", err
	}

	delete(q.tasks, t.id)
	q.done++
	return DONE, nil
}

func (q *queue) delete(taskId uint64) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.calls["delete"]++
	if _, ok := q.tasks[taskId]; !ok {
		return "", fmt.Errorf("%w: %d", ErrTaskNotFound, taskId)
	}
	delete(q.tasks, taskId)
	return DONE, nil
}

func (q *queue) bury(taskId uint64) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.calls["bury"]++
	t, ok := q.tasks[taskId]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrTaskNotFound, taskId)
	}
	t.status = BURIED
	return BURIED, nil
}

func (q *queue) release(taskId uint64, data []byte, cfg Opts) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.calls["release"]++
	t, err := q.taken(taskId)
	if err != nil {
		return "", err
	}
	if data != nil {
		t.data = data
	}
	q.schedule(t, cfg.Delay)
	return t.status, nil
}

func (q *queue) taken(taskId uint64) (*Task, error) {
	t, ok := q.tasks[taskId]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskId)
	}
	if t.status != TAKEN {
		return nil, fmt.Errorf("%w: %d has status %q", ErrTaskNotTaken, taskId, t.status)
	}
	return t, nil
}

func (q *queue) schedule(t *Task, delay time.Duration) {
	if delay > 0 {
		t.status = DELAYED
		t.readyAt = q.clock.Now().Add(delay)
	} else {
		t.status = READY
		t.readyAt = time.Time{}
	}
	q.wakeUp()
}

func (q *queue) wakeUp() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// snapshot returns a copy of t that consumers may keep.
func (q *queue) snapshot(t *Task) *Task {
	c := *t
	return &c
}
