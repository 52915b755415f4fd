package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/store"
)

// Broker is the part of the RabbitMQ client the worker consumes from
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// JobRunner drives a running job to a terminal state
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job) (*domain.Job, error)
	Wait()
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Broker        Broker
	Store         store.Store
	Runner        JobRunner
	WorkerID      string
	QueueName     string
	Concurrency   int
	PrefetchCount int
}

// task is one delivery handed from the dispatcher to the pool
type task struct {
	msg      domain.JobMessage
	delivery amqp.Delivery
}

// Worker consumes poll messages and runs one poller per message inside a
// bounded pool
type Worker struct {
	logger            *slog.Logger
	broker            Broker
	store             store.Store
	runner            JobRunner
	workerID          string
	rabbitMQQueueName string
	concurrency       int
	prefetchCount     int

	jobsChan chan task
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	return &Worker{
		logger:            cfg.Logger,
		broker:            cfg.Broker,
		store:             cfg.Store,
		runner:            cfg.Runner,
		workerID:          cfg.WorkerID,
		rabbitMQQueueName: cfg.QueueName,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobsChan:          make(chan task),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop waits for the pool to drain. Cancel the context passed to Start first
// so that running pollers return.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.runner.Wait()
	w.logger.Info("Worker stopped")
}
