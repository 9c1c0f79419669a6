package scheduler

import (
	"context"
	"log"
	"time"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBatchLimit   = 10
)

// Runner drains the job queue on an interval. One runner goroutine is
// enough: jobs are provider-bound and already staggered at enqueue time.
type Runner struct {
	queue     JobQueue
	scheduler *Scheduler
	interval  time.Duration
	limit     int
}

func NewRunner(queue JobQueue, s *Scheduler, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Runner{queue: queue, scheduler: s, interval: interval, limit: defaultBatchLimit}
}

// Start polls until ctx is cancelled. A job that has started runs to
// completion even during shutdown; only the polling loop observes ctx.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Runner) drain(ctx context.Context) {
	jobs, err := r.queue.Due(ctx, time.Now(), r.limit)
	if err != nil {
		log.Printf("WARN: job poll failed: %v", err)
		return
	}

	for _, job := range jobs {
		// Ack before running: a failed run re-queues itself through the
		// retry counter instead of relying on redelivery.
		if err := r.queue.Ack(ctx, job); err != nil {
			log.Printf("WARN: job ack failed for %s: %v", job.ID, err)
			continue
		}
		jobCtx := context.WithoutCancel(ctx)
		r.scheduler.Run(jobCtx, job.ContentID, job.Question)
	}
}
