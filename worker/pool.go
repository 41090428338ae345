// Package worker runs fixed-size pools that drain a queue.Queue. Each pipeline
// stage owns one pool; pools are shared across meetings.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// Handler processes one job. A nil return acks the job. Fatal errors (see
// apperr.Classify) dead-letter it; anything else nacks it for a later retry.
type Handler func(ctx context.Context, job *queue.Job) error

// Status is a worker's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusHealthy  Status = "healthy"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

type Config struct {
	Name            string        `yaml:"name"`
	Count           int           `yaml:"count"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SweepInterval controls depth reporting and stale job recovery.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	return c
}

// Worker is one goroutine pulling from the pool's queue.
type Worker struct {
	ID     string
	status atomic.Value // Status

	processed atomic.Int64
	failed    atomic.Int64
}

func (w *Worker) Status() Status {
	if s, ok := w.status.Load().(Status); ok {
		return s
	}
	return StatusStarting
}

// Pool manages Count workers over a single queue.
type Pool struct {
	cfg     Config
	queue   queue.Queue
	handler Handler
	log     *slog.Logger

	mu      sync.RWMutex
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(cfg Config, q queue.Queue, h Handler) *Pool {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		cfg.Name = q.Name()
	}
	return &Pool{
		cfg:     cfg,
		queue:   q,
		handler: h,
		log:     slog.Default().With(slog.String("component", "worker_pool"), slog.String("stage", cfg.Name)),
	}
}

// Start launches the workers. They run until Stop or until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		w := &Worker{ID: uuid.NewString()}
		w.status.Store(StatusHealthy)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, w)
			w.status.Store(StatusStopped)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweep(ctx)
	}()
	p.log.Info("worker pool started", slog.Int("workers", p.cfg.Count))
}

// Stop cancels the workers and waits up to ShutdownTimeout for in-flight jobs.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	for _, w := range p.workers {
		w.status.CompareAndSwap(StatusHealthy, StatusDraining)
	}
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warn("worker pool shutdown timed out", slog.Duration("timeout", p.cfg.ShutdownTimeout))
	}
}

func (p *Pool) loop(ctx context.Context, w *Worker) {
	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx, p.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dequeue failed", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, w, job)
	}
}

func (p *Pool) process(ctx context.Context, w *Worker, job *queue.Job) {
	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	start := time.Now()
	err := p.run(jctx, job)
	cancel()
	elapsed := time.Since(start)

	// acks outlive the worker context so a job finished during shutdown is not redelivered
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer ackCancel()

	if err == nil {
		w.processed.Add(1)
		telemetry.ObserveStageJob(p.cfg.Name, "ok", elapsed)
		if aerr := p.queue.Ack(ackCtx, job.ID); aerr != nil {
			p.log.Warn("ack failed", slog.String("job_id", job.ID), slog.Any("err", aerr))
		}
		return
	}

	log := p.log.With(slog.String("job_id", job.ID), slog.String("meeting_id", job.MeetingID), slog.Any("err", err))
	if ctx.Err() != nil {
		// interrupted by Stop; the job goes back for redelivery
		telemetry.ObserveStageJob(p.cfg.Name, "interrupted", elapsed)
		log.Info("job interrupted by shutdown, requeueing")
		if nerr := p.queue.Nack(ackCtx, job.ID); nerr != nil {
			log.Warn("nack failed", slog.Any("nack_err", nerr))
		}
		return
	}
	w.failed.Add(1)
	if apperr.Classify(err) == apperr.ClassFatal {
		telemetry.ObserveStageJob(p.cfg.Name, "dead_letter", elapsed)
		log.Error("job failed permanently")
		if derr := p.queue.MoveToDeadLetter(ackCtx, job.ID, err.Error()); derr != nil {
			log.Warn("dead-letter failed", slog.Any("dlq_err", derr))
		}
		return
	}
	telemetry.ObserveStageJob(p.cfg.Name, "retry", elapsed)
	log.Warn("job failed, will retry", slog.Int("retry_count", job.RetryCount))
	if nerr := p.queue.Nack(ackCtx, job.ID); nerr != nil {
		log.Warn("nack failed", slog.Any("nack_err", nerr))
	}
}

// run calls the handler, converting a panic into a fatal error.
func (p *Pool) run(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v: %w", r, apperr.ErrValidation)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) sweep(ctx context.Context) {
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if r, ok := p.queue.(queue.Recoverer); ok {
			if n, err := r.RecoverStale(ctx); err != nil {
				p.log.Warn("stale job recovery failed", slog.Any("err", err))
			} else if n > 0 {
				p.log.Info("recovered stale jobs", slog.Int("count", n))
			}
		}
		if d, err := p.queue.Depth(ctx); err == nil {
			telemetry.SetQueueDepth(p.cfg.Name, d)
		}
	}
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Stage       string `json:"stage"`
	WorkerCount int    `json:"workers"`
	ActiveCount int    `json:"active"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
	Depth       int64  `json:"depth"`
}

func (p *Pool) Stats(ctx context.Context) Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Stats{Stage: p.cfg.Name, WorkerCount: len(p.workers)}
	for _, w := range p.workers {
		if w.Status() == StatusHealthy {
			s.ActiveCount++
		}
		s.Processed += w.processed.Load()
		s.Failed += w.failed.Load()
	}
	if d, err := p.queue.Depth(ctx); err == nil {
		s.Depth = d
	}
	return s
}
