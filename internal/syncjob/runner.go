package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"maqlexpress/api/internal/util"
)

// Work performs one synchronization and reports what it inserted.
type Work func(ctx context.Context, job Job) (Result, error)

// ErrShuttingDown is returned by Start once Shutdown has been called.
var ErrShuttingDown = errors.New("sync runner is shutting down")

// Runner executes jobs on background goroutines and records their status.
// Every job runs under the runner's base context, which Shutdown cancels.
type Runner struct {
	store   Store
	timeout time.Duration
	wg      sync.WaitGroup
	now     func() time.Time

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]Job
}

func NewRunner(store Store, timeout time.Duration) *Runner {
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		store:    store,
		timeout:  timeout,
		now:      time.Now,
		base:     base,
		stop:     stop,
		inFlight: make(map[string]Job),
	}
}

// Start records a queued job and runs work asynchronously. The returned job is
// the queued snapshot.
func (r *Runner) Start(ctx context.Context, job Job, work Work) (Job, error) {
	if r.base.Err() != nil {
		return Job{}, ErrShuttingDown
	}
	job.ID = util.NewID("sync")
	job.Status = StatusQueued
	job.CreatedAt = r.now().UTC()
	if err := r.store.Save(ctx, job); err != nil {
		return Job{}, fmt.Errorf("queue sync job: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(job, work)
	}()
	return job, nil
}

func (r *Runner) run(job Job, work Work) {
	ctx := r.base
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := r.now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &started
	r.track(job)
	defer r.untrack(job.ID)
	r.save(job)

	result, err := work(ctx, job)
	finished := r.now().UTC()
	job.FinishedAt = &finished
	job.Result = result
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		if r.base.Err() != nil {
			job.Error = "interrupted by shutdown: " + err.Error()
		}
		log.Printf("sync: job %s for pid %s failed: %v", job.ID, job.PIDID, err)
	} else {
		job.Status = StatusSucceeded
		log.Printf("sync: job %s for pid %s inserted %d variables", job.ID, job.PIDID, result.Total())
	}
	r.save(job)
}

func (r *Runner) save(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Save(ctx, job); err != nil {
		log.Printf("sync: record job %s: %v", job.ID, err)
	}
}

func (r *Runner) Get(ctx context.Context, id string) (Job, error) {
	return r.store.Get(ctx, id)
}

// Wait blocks until every started job has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Shutdown cancels running jobs and waits for them to record their outcome.
// Jobs still running when ctx ends are recorded as failed so pollers stop
// waiting on them.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	abandoned := make([]Job, 0, len(r.inFlight))
	for _, job := range r.inFlight {
		abandoned = append(abandoned, job)
	}
	r.mu.Unlock()
	for _, job := range abandoned {
		finished := r.now().UTC()
		job.Status = StatusFailed
		job.Error = "interrupted by shutdown"
		job.FinishedAt = &finished
		r.save(job)
	}
	return ctx.Err()
}

func (r *Runner) track(job Job) {
	r.mu.Lock()
	r.inFlight[job.ID] = job
	r.mu.Unlock()
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}
