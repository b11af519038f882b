package runners

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/lightfield/jobqueue"
	"github.com/stevecastle/lightfield/tasks"
)

func setupTestQueue(t *testing.T, opts ...jobqueue.Option) *jobqueue.Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	q, err := jobqueue.NewQueueWithDB(db, opts...)
	if err != nil {
		t.Fatalf("NewQueueWithDB() error = %v", err)
	}
	return q
}

func startRunners(t *testing.T, q *jobqueue.Queue, registry tasks.TaskMap) *Runners {
	t.Helper()
	r := New(q, &tasks.Env{}, registry)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func waitForState(t *testing.T, q *jobqueue.Queue, id string, want jobqueue.JobState) jobqueue.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, ok := q.GetJob(id)
		if ok && job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s state = %v; want %v", id, job.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func registry(fns map[string]tasks.Func) tasks.TaskMap {
	m := tasks.TaskMap{}
	for id, fn := range fns {
		m[id] = tasks.Task{ID: id, Name: id, Fn: fn}
	}
	return m
}

func TestRunnerCompletesJob(t *testing.T) {
	q := setupTestQueue(t)
	startRunners(t, q, registry(map[string]tasks.Func{
		"ok": func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *tasks.Env) error {
			return q.PushJobStdout(j.ID, "done")
		},
	}))

	id, _ := q.AddJob("ok", "a.zip", nil)
	job := waitForState(t, q, id, jobqueue.StateCompleted)
	if len(job.Stdout) != 1 || job.Stdout[0] != "done" {
		t.Errorf("Stdout = %v; want [done]", job.Stdout)
	}
}

func TestRunnerErrorsJob(t *testing.T) {
	q := setupTestQueue(t)
	startRunners(t, q, registry(map[string]tasks.Func{
		"fail": func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *tasks.Env) error {
			return errors.New("light field not found")
		},
		"panic": func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *tasks.Env) error {
			panic("boom")
		},
	}))

	failID, _ := q.AddJob("fail", "a.zip", nil)
	job := waitForState(t, q, failID, jobqueue.StateError)
	if job.Error != "light field not found" {
		t.Errorf("Error = %q", job.Error)
	}

	panicID, _ := q.AddJob("panic", "a.zip", nil)
	waitForState(t, q, panicID, jobqueue.StateError)

	unknownID, _ := q.AddJob("nope", "a.zip", nil)
	job = waitForState(t, q, unknownID, jobqueue.StateError)
	if job.Error != "task not found: nope" {
		t.Errorf("Error = %q", job.Error)
	}
}

func TestRunnerCancelRunningJob(t *testing.T) {
	q := setupTestQueue(t)
	started := make(chan struct{})
	startRunners(t, q, registry(map[string]tasks.Func{
		"block": func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *tasks.Env) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	id, _ := q.AddJob("block", "a.zip", nil)
	<-started
	if err := q.CancelJob(id); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	waitForState(t, q, id, jobqueue.StateCancelled)
	deadline := time.Now().Add(2 * time.Second)
	for q.Running() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Running() != 0 {
		t.Errorf("Running() = %d; want 0", q.Running())
	}
}

func TestRunnerRespectsMaxRunning(t *testing.T) {
	q := setupTestQueue(t, jobqueue.WithMaxRunning(1))
	release := make(chan struct{})
	startRunners(t, q, registry(map[string]tasks.Func{
		"block": func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *tasks.Env) error {
			<-release
			return nil
		},
	}))

	first, _ := q.AddJob("block", "a.zip", nil)
	second, _ := q.AddJob("block", "b.zip", nil)
	waitForState(t, q, first, jobqueue.StateInProgress)

	time.Sleep(20 * time.Millisecond)
	if job, _ := q.GetJob(second); job.State != jobqueue.StatePending {
		t.Errorf("second job state = %v; want pending while first runs", job.State)
	}

	close(release)
	waitForState(t, q, first, jobqueue.StateCompleted)
	waitForState(t, q, second, jobqueue.StateCompleted)
}

func TestRunnersShutdown(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, nil, tasks.TaskMap{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := r.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	q.AddJob("anything", "a.zip", nil)
	r.CheckForJobs()
	if q.Running() != 0 {
		t.Error("runners claimed a job after shutdown")
	}
}

func TestShutdownTimesOutOnRunningJob(t *testing.T) {
	q := setupTestQueue(t)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	r := New(q, nil, registry(map[string]tasks.Func{
		"block": func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *tasks.Env) error {
			close(started)
			<-release
			return nil
		},
	}))
	q.AddJob("block", "a.zip", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() = %v; want DeadlineExceeded", err)
	}
}
