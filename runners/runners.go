// Package runners claims jobs from the queue and executes their tasks.
package runners

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stevecastle/lightfield/jobqueue"
	"github.com/stevecastle/lightfield/logging"
	"github.com/stevecastle/lightfield/metrics"
	"github.com/stevecastle/lightfield/tasks"
)

// Runners pulls jobs from a queue as long as the queue allows more to run.
type Runners struct {
	queue    *jobqueue.Queue
	env      *tasks.Env
	registry tasks.TaskMap
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // signal listener
	jobs   sync.WaitGroup // running jobs
	once   sync.Once
}

// New starts listening for queued jobs. A nil registry uses the built-in tasks.
func New(queue *jobqueue.Queue, env *tasks.Env, registry tasks.TaskMap) *Runners {
	if registry == nil {
		registry = tasks.GetTasks()
	}
	if env == nil {
		env = &tasks.Env{}
	}
	log := env.Logger
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:    queue,
		env:      env,
		registry: registry,
		log:      log.WithComponent("runners"),
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()
	return r
}

// Shutdown stops claiming new jobs and waits for running jobs until ctx is
// done. Jobs still running when ctx ends keep running; they are resumed as
// pending the next time the queue is loaded.
func (r *Runners) Shutdown(ctx context.Context) error {
	r.once.Do(r.cancel)
	r.wg.Wait()

	done := make(chan struct{})
	go func() {
		r.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckForJobs claims and starts jobs until the queue has none to give.
func (r *Runners) CheckForJobs() {
	if r.ctx.Err() != nil {
		return
	}
	for {
		job := r.queue.ClaimJob()
		if job == nil {
			return
		}
		r.runJob(job)
	}
}

// runJob executes a job in its own goroutine and finalizes its state.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.jobs.Add(1)
	metrics.JobsRunning.Inc()
	go func() {
		defer func() {
			metrics.JobsRunning.Dec()
			r.jobs.Done()
			r.CheckForJobs()
		}()

		start := time.Now()
		err := r.execute(j)
		state := r.finalize(j, err)
		metrics.JobsTotal.WithLabelValues(j.Command, state.Name()).Inc()
		r.log.Info("job finished",
			"job", j.ID,
			"command", j.Command,
			"state", state.Name(),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}()
}

func (r *Runners) execute(j *jobqueue.Job) (err error) {
	task, exists := r.registry[j.Command]
	if !exists {
		return fmt.Errorf("task not found: %s", j.Command)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", j.Command, p)
		}
	}()
	return task.Fn(j.Ctx, j, r.queue, r.env)
}

// finalize moves the job to its final state. A job that was cancelled or
// removed while running is left as it is.
func (r *Runners) finalize(j *jobqueue.Job, err error) jobqueue.JobState {
	switch {
	case err == nil:
		if r.queue.CompleteJob(j.ID) == nil {
			return jobqueue.StateCompleted
		}
	case j.Ctx.Err() != nil || errors.Is(err, context.Canceled):
		_ = r.queue.CancelJob(j.ID)
		return jobqueue.StateCancelled
	default:
		_ = r.queue.PushJobStdout(j.ID, "Error: "+err.Error())
		if r.queue.ErrorJob(j.ID, err) == nil {
			return jobqueue.StateError
		}
	}
	if cur, ok := r.queue.GetJob(j.ID); ok {
		return cur.State
	}
	return jobqueue.StateCancelled
}
