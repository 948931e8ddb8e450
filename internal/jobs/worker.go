package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/voicejournal/internal/metrics"
	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/pkg/logger"
)

// Queue is the durable job store consumed by the pool
type Queue interface {
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*sqlite.Job, error)
	Complete(ctx context.Context, id int64, now time.Time) error
	Fail(ctx context.Context, id int64, reason string, now time.Time) error
	Retry(ctx context.Context, id int64, runAt time.Time, reason string, now time.Time) error
	Release(ctx context.Context, id int64, now time.Time) error
	RequeueStale(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// Runner executes one attempt for a reflection
type Runner interface {
	Run(ctx context.Context, reflectionID int64) error
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	// StaleAfter is how long a job may stay running before it is requeued
	StaleAfter time.Duration
	Retry      RetryPolicy
}

// Pool pulls jobs from the queue and runs them on a fixed number of workers
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	queue   Queue
	runner  Runner
	config  PoolConfig
	metrics *metrics.Metrics
	logger  *logger.Logger
	id      string
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(ctx context.Context, queue Queue, runner Runner, config PoolConfig, m *metrics.Metrics, log *logger.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	poolCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()[:8]

	return &Pool{
		ctx:     poolCtx,
		cancel:  cancel,
		queue:   queue,
		runner:  runner,
		config:  config,
		metrics: m,
		logger:  log.Named("worker-pool").With(logger.String("pool_id", id)),
		id:      id,
		now:     time.Now,
	}
}

// Start launches the workers and the stale job reaper
func (p *Pool) Start() error {
	p.logger.Info("Starting transcription workers",
		logger.Int("workers", p.config.Workers),
		logger.Duration("poll_interval", p.config.PollInterval),
		logger.Int("max_retries", p.config.Retry.MaxRetries),
		logger.Duration("retry_delay", p.config.Retry.Delay))

	if p.config.StaleAfter > 0 {
		p.requeueStale()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(p.config.StaleAfter / 2)
			defer ticker.Stop()

			for {
				select {
				case <-p.ctx.Done():
					return
				case <-ticker.C:
					p.requeueStale()
				}
			}
		}()
	}

	for i := range p.config.Workers {
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(p.config.PollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-p.ctx.Done():
					p.logger.Debug("Worker stopped", logger.String("worker_id", workerID))
					return
				case <-ticker.C:
					p.drain(workerID)
				}
			}
		}()
	}
	return nil
}

// Stop cancels in-flight jobs and waits for the workers to exit
func (p *Pool) Stop() error {
	p.logger.Info("Stopping transcription workers")
	p.cancel()
	p.wg.Wait()
	return nil
}

// drain processes jobs until the queue has nothing due
func (p *Pool) drain(workerID string) {
	for p.ctx.Err() == nil {
		processed, err := p.ProcessNext(p.ctx, workerID)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Error("Error processing job", logger.String("worker_id", workerID), logger.Error(err))
			}
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessNext claims one due job, runs it and records the outcome. It reports
// false when no job was due.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.ClaimNext(ctx, workerID, p.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := p.logger.With(
		logger.Int64("job_id", job.ID),
		logger.Int64("reflection_id", job.ReflectionID),
		logger.Int("attempt", job.Attempt),
		logger.String("worker_id", workerID))

	// Record the outcome even if the pool is shutting down
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if !p.config.Retry.Allows(job.Attempt) {
		log.Error("Transcription job lost its worker too often, giving up",
			logger.Int("lease_expiries", job.LeaseExpiries))
		p.metrics.JobOutcome(metrics.OutcomeFailed, "exhausted")
		return true, p.queue.Fail(settleCtx, job.ID, fmt.Sprintf("%v: %s", ErrRetryBudgetExhausted, job.LastError), p.now())
	}

	log.Debug("Running transcription job")
	runErr := p.runner.Run(ctx, job.ReflectionID)

	return true, p.settle(settleCtx, ctx, log, job, runErr)
}

func (p *Pool) settle(ctx, runCtx context.Context, log *logger.Logger, job *sqlite.Job, runErr error) error {
	now := p.now()
	reason := Reason(runErr)

	switch {
	case runErr == nil:
		p.metrics.JobOutcome(metrics.OutcomeSucceeded, "")
		return p.queue.Complete(ctx, job.ID, now)

	case runCtx.Err() != nil && errors.Is(runErr, context.Canceled):
		log.Info("Job interrupted by shutdown, returning it to the queue")
		return p.queue.Release(ctx, job.ID, now)

	case !IsRetryable(runErr):
		log.Error("Transcription job failed permanently", logger.String("reason", reason), logger.Error(runErr))
		p.metrics.JobOutcome(metrics.OutcomeFailed, reason)
		return p.queue.Fail(ctx, job.ID, runErr.Error(), now)
	}

	delay, ok := p.config.Retry.Next(job.Attempt)
	if !ok {
		log.Error("Transcription job gave up", logger.String("reason", reason), logger.Error(runErr))
		p.metrics.JobOutcome(metrics.OutcomeFailed, "exhausted")
		return p.queue.Fail(ctx, job.ID, fmt.Sprintf("%v: %v", ErrRetryBudgetExhausted, runErr), now)
	}

	log.Warn("Transcription attempt failed, rescheduling",
		logger.String("reason", reason),
		logger.Duration("delay", delay),
		logger.Error(runErr))
	p.metrics.JobOutcome(metrics.OutcomeRetried, reason)
	return p.queue.Retry(ctx, job.ID, now.Add(delay), runErr.Error(), now)
}

func (p *Pool) requeueStale() {
	if p.config.StaleAfter <= 0 {
		return
	}
	now := p.now()
	n, err := p.queue.RequeueStale(p.ctx, now.Add(-p.config.StaleAfter), now)
	if err != nil {
		p.logger.Error("Failed to requeue stale jobs", logger.Error(err))
		return
	}
	if n > 0 {
		p.logger.Warn("Requeued stale transcription jobs", logger.Int64("count", n))
	}
}
