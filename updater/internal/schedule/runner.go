package schedule

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultTick = time.Second

// Job is one scheduled unit of work
type Job func(ctx context.Context) error

// Runner runs a job synchronously whenever its schedule fires. Runs never overlap.
type Runner struct {
	schedule *Schedule
	job      Job
	log      *log.Entry
	tick     time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner for job on schedule
func NewRunner(schedule *Schedule, job Job, logger *log.Entry) *Runner {
	return &Runner{
		schedule: schedule,
		job:      job,
		log:      logger.WithField("component", "scheduler"),
		tick:     defaultTick,
		now:      time.Now,
	}
}

// Start begins ticking in the background. Starting a started runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.log.Errorf("scheduler already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop prevents further runs and waits for an in-flight run to finish
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.log.Infof("scheduler stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	next := r.schedule.Next(r.now())
	r.log.Infof("scheduler started with %q, next run at %s", r.schedule, next.Format(time.RFC3339))

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if next.IsZero() || r.now().Before(next) {
			continue
		}

		r.run(ctx)

		next = r.schedule.Next(r.now())
		r.log.Debugf("next run at %s", next.Format(time.RFC3339))
	}
}

// run executes the job with a context that is not cancelled by Stop
func (r *Runner) run(ctx context.Context) {
	r.log.Infof("executing scheduled job")
	start := time.Now()

	if err := r.job(context.WithoutCancel(ctx)); err != nil {
		r.log.Errorf("scheduled job failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return
	}
	r.log.Infof("scheduled job finished in %s", time.Since(start).Round(time.Millisecond))
}
