package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/poller"
)

// Dispatcher hands a running job to whatever drives it to a terminal state
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) error
}

// Waiter is implemented by dispatchers that can signal when a job's poller returned
type Waiter interface {
	// Done returns a channel closed when the poller for jobID returns, or nil
	// when the job is not tracked by this dispatcher
	Done(jobID string) <-chan struct{}
}

// LocalDispatcher runs one poller goroutine per job in this process
type LocalDispatcher struct {
	poller *poller.Poller
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	done map[string]chan struct{}
	wg   sync.WaitGroup
}

func NewLocalDispatcher(p *poller.Poller, logger *slog.Logger) *LocalDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		poller: p,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(map[string]chan struct{}),
	}
}

// Dispatch starts polling job. The poller outlives ctx and stops only on
// Shutdown, since callers usually return long before the job finishes.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job *domain.Job) error {
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("dispatcher is shut down: %w", err)
	}

	d.mu.Lock()
	if _, ok := d.done[job.ID]; ok {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.done[job.ID] = ch
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.done, job.ID)
			d.mu.Unlock()
			close(ch)
		}()

		final, err := d.poller.Run(d.ctx, job.Clone())
		if err != nil {
			d.logger.Warn("Poller returned with error",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return
		}
		d.logger.Debug("Poller returned",
			slog.String("job_id", final.ID),
			slog.String("status", string(final.Status)),
		)
	}()
	return nil
}

func (d *LocalDispatcher) Done(jobID string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.done[jobID]; ok {
		return ch
	}
	return nil
}

// Wait blocks until every dispatched poller returned
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
	d.poller.Wait()
}

// Shutdown stops all pollers and waits for them, or for ctx to end
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.cancel()

	stopped := make(chan struct{})
	go func() {
		d.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher is the part of the RabbitMQ client the queue dispatcher uses
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// QueueDispatcher publishes running jobs for the worker service to poll
type QueueDispatcher struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewQueueDispatcher(publisher Publisher, logger *slog.Logger) *QueueDispatcher {
	return &QueueDispatcher{publisher: publisher, logger: logger}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(domain.JobMessage{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}

	if err := d.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	d.logger.Debug("Job published for polling", slog.String("job_id", job.ID))
	return nil
}
