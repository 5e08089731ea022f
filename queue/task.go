package queue

import (
	"time"
)

// Task is a queue task.
type Task struct {
	id      uint64
	status  string
	data    []byte
	pri     int
	readyAt time.Time
	q       *queue
}

// Id returns the task id.
func (t *Task) Id() uint64 {
	return t.id
}

// Data returns the payload of the task.
func (t *Task) Data() []byte {
	return t.data
}

// Status returns the status the task had when it was returned.
func (t *Task) Status() string {
	return t.status
}

// Ack finishes the task.
func (t *Task) Ack() error {
	return t.accept(t.q.ack(t.id))
}

// Delete removes the task.
func (t *Task) Delete() error {
	return t.accept(t.q.delete(t.id))
}

// Bury moves the task to the buried state. Kick reverts it.
func (t *Task) Bury() error {
	return t.accept(t.q.bury(t.id))
}

// Release returns the task to the ready state.
func (t *Task) Release() error {
	return t.accept(t.q.release(t.id, nil, Opts{}))
}

// ReleaseCfg returns the task to the queue with options, e.g. a delay.
func (t *Task) ReleaseCfg(cfg Opts) error {
	return t.accept(t.q.release(t.id, nil, cfg))
}

// Reschedule returns the task to the queue with a new payload after delay.
func (t *Task) Reschedule(data []byte, delay time.Duration) error {
	if err := t.accept(t.q.release(t.id, data, Opts{Delay: delay})); err != nil {
		return err
	}
	t.data = data
	return nil
}

// IsReady returns if task is ready.
func (t *Task) IsReady() bool {
	return t.status == READY
}

// IsTaken returns if task is taken.
func (t *Task) IsTaken() bool {
	return t.status == TAKEN
}

// IsDone returns if task is done.
func (t *Task) IsDone() bool {
	return t.status == DONE
}

// IsBuried returns if task is buried.
func (t *Task) IsBuried() bool {
	return t.status == BURIED
}

// IsDelayed returns if task is delayed.
func (t *Task) IsDelayed() bool {
	return t.status == DELAYED
}

func (t *Task) accept(status string, err error) error {
	if err == nil {
		t.status = status
	}
	return err
}
