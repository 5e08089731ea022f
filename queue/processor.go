package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ice-blockchain/go-loadbalancing/jobs"
)

var (
	ErrUnknownClass = errors.New("no handler for job class")
	ErrClassExists  = errors.New("job class already registered")
)

// Handler performs a job.
type Handler func(ctx context.Context, job *jobs.Job) error

// Client enqueues jobs through the load balancing client middleware.
type Client struct {
	queue      Queue
	middleware *jobs.ClientMiddleware
}

// NewClient creates a Client.
func NewClient(q Queue, middleware *jobs.ClientMiddleware) *Client {
	return &Client{queue: q, middleware: middleware}
}

// Enqueue stamps job in the session of ctx and puts it to the queue.
func (c *Client) Enqueue(ctx context.Context, job *jobs.Job) (*Task, error) {
	var task *Task
	err := c.middleware.Call(ctx, job.Class, job, func(context.Context) error {
		data, err := job.Marshal()
		if err != nil {
			return err
		}
		task, err = c.queue.Put(data)
		return err
	})
	return task, err
}

// ProcessorOpts provides options of a Processor.
type ProcessorOpts struct {
	RetryPolicy jobs.RetryPolicy
	Logger      *zap.Logger
}

// Processor takes jobs from a queue and performs them.
//
// A job whose replicas are behind is rescheduled with a delay given by the
// retry policy and an incremented retry count. A job that fails otherwise
// is buried.
type Processor struct {
	queue      Queue
	middleware *jobs.ServerMiddleware
	policy     jobs.RetryPolicy
	logger     *zap.Logger

	mutex    sync.RWMutex
	handlers map[string]Handler
}

// NewProcessor creates a Processor.
func NewProcessor(q Queue, middleware *jobs.ServerMiddleware, opts ProcessorOpts) *Processor {
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = jobs.NewExponentialRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Processor{
		queue:      q,
		middleware: middleware,
		policy:     opts.RetryPolicy,
		logger:     opts.Logger.With(zap.String("queue", q.Name())),
		handlers:   make(map[string]Handler),
	}
}

// Handle registers the handler of a job class.
func (p *Processor) Handle(class string, h Handler) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.handlers[class]; ok {
		return fmt.Errorf("%w: %s", ErrClassExists, class)
	}
	p.handlers[class] = h
	return nil
}

func (p *Processor) handler(class string) (Handler, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	h, ok := p.handlers[class]
	return h, ok
}

// Run processes jobs until ctx is done or the queue is closed.
func (p *Processor) Run(ctx context.Context) error {
	for {
		err := p.ProcessOne(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueEnded):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			p.logger.Warn("job failed", zap.Error(err))
		}
	}
}

// ProcessOne takes one task and performs its job. It returns the error of
// the job, or nil if the job succeeded or was rescheduled. A job that fails
// after ctx is done is released unchanged instead of buried.
func (p *Processor) ProcessOne(ctx context.Context) error {
	task, err := p.queue.Take(ctx)
	if err != nil {
		return err
	}

	job, err := jobs.UnmarshalJob(task.Data())
	if err != nil {
		return p.bury(task, err)
	}

	h, ok := p.handler(job.Class)
	if !ok {
		return p.bury(task, fmt.Errorf("%w: %s", ErrUnknownClass, job.Class))
	}

	err = p.middleware.Call(ctx, job.Class, job, func(ctx context.Context) error {
		return h(ctx, job)
	})

	var retryable jobs.RetryableError
	switch {
	case err == nil:
		return task.Ack()
	case errors.As(err, &retryable) && retryable.Retryable():
		return p.reschedule(task, job, err)
	case ctx.Err() != nil:
		return p.release(task, err)
	default:
		return p.bury(task, err)
	}
}

func (p *Processor) reschedule(task *Task, job *jobs.Job, cause error) error {
	job.IncrementRetryCount()
	delay := p.policy.NextDelay(*job.RetryCount)

	data, err := job.Marshal()
	if err != nil {
		return p.bury(task, err)
	}
	if err := task.Reschedule(data, delay); err != nil {
		return err
	}

	p.logger.Info("job rescheduled",
		zap.String("jid", job.JID),
		zap.String("class", job.Class),
		zap.Int("retry_count", *job.RetryCount),
		zap.Duration("delay", delay),
		zap.NamedError("cause", cause))
	return nil
}

// release returns a task interrupted by cancellation to the queue as is.
func (p *Processor) release(task *Task, cause error) error {
	if err := task.Release(); err != nil {
		return multierror.Append(cause, err)
	}
	p.logger.Info("task released", zap.Uint64("task_id", task.Id()), zap.Error(cause))
	return cause
}

func (p *Processor) bury(task *Task, cause error) error {
	if err := task.Bury(); err != nil {
		return multierror.Append(cause, err)
	}
	p.logger.Warn("task buried", zap.Uint64("task_id", task.Id()), zap.Error(cause))
	return cause
}
