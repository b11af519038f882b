// Package jobqueue holds correspondence jobs: queued light field queries that
// runners claim, execute and finish, persisted in SQLite.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/lightfield/logging"
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidState is returned when a transition is not allowed from the job's state.
	ErrInvalidState = errors.New("invalid job state")
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Name is the lowercase wire name of the state.
func (s JobState) Name() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Name())
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Job is one queued correspondence command against a light field source.
type Job struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	// Source is the light field location: a path, http(s) URL or s3 URL.
	Source string `json:"source"`
	// Params holds the command's JSON arguments.
	Params    json.RawMessage    `json:"params,omitempty"`
	Stdout    []string           `json:"stdout,omitempty"`
	RecordIDs []string           `json:"recordIds"`
	Error     string             `json:"error,omitempty"`
	State     JobState           `json:"state"`
	Ctx       context.Context    `json:"-"`
	Cancel    context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// snapshot copies the job without sharing its slices.
func (j *Job) snapshot() Job {
	c := *j
	c.Stdout = append([]string(nil), j.Stdout...)
	c.RecordIDs = append([]string{}, j.RecordIDs...)
	return c
}

// Publisher receives queue events for live clients.
type Publisher interface {
	Publish(eventType string, payload any)
}

// SerializedJob is the payload of create, update and delete events.
type SerializedJob struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

// SerializedStdout is the payload of stdout-<job id> events.
type SerializedStdout struct {
	UpdateType string `json:"updateType"`
	Line       string `json:"line"`
}

// Queue is a thread-safe, FIFO job queue with a cap on running jobs.
type Queue struct {
	mu       sync.Mutex
	Jobs     map[string]*Job
	JobOrder []string
	Signal   chan string
	Db       *sql.DB

	maxRunning int
	running    int
	publisher  Publisher
	log        *logging.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithPublisher sends job events to p.
func WithPublisher(p Publisher) Option { return func(q *Queue) { q.publisher = p } }

// WithLogger sets the queue logger.
func WithLogger(l *logging.Logger) Option { return func(q *Queue) { q.log = l.WithComponent("jobqueue") } }

// WithMaxRunning caps how many jobs may be in progress at once. Values below
// one are treated as one.
func WithMaxRunning(n int) Option {
	return func(q *Queue) {
		if n < 1 {
			n = 1
		}
		q.maxRunning = n
	}
}

// NewQueue initializes an in-memory Queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		Jobs:       make(map[string]*Job),
		Signal:     make(chan string, 100),
		maxRunning: 1,
		log:        logging.Noop(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// NewQueueWithDB initializes a Queue persisted in db and reloads its jobs.
// Jobs that were in progress when the process stopped go back to pending.
func NewQueueWithDB(db *sql.DB, opts ...Option) (*Queue, error) {
	q := NewQueue(opts...)
	q.Db = db
	if err := q.createJobsTable(); err != nil {
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	return q, nil
}

func (q *Queue) createJobsTable() error {
	_, err := q.Db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		source TEXT NOT NULL,
		params TEXT,
		stdout TEXT, -- JSON array
		record_ids TEXT, -- JSON array
		error TEXT,
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`)
	return err
}

// saveJobToDB writes one job. Callers hold q.mu.
func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}
	stdoutJSON, _ := json.Marshal(job.Stdout)
	recordsJSON, _ := json.Marshal(job.RecordIDs)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	_, err := q.Db.Exec(`
	INSERT OR REPLACE INTO jobs (
		id, command, source, params, stdout, record_ids, error, state,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Command,
		job.Source,
		string(job.Params),
		string(stdoutJSON),
		string(recordsJSON),
		job.Error,
		int(job.State),
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	rows, err := q.Db.Query(`
	SELECT id, command, source, COALESCE(params, ''), COALESCE(stdout, ''), COALESCE(record_ids, ''),
		   COALESCE(error, ''), state, created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY job_order_position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		var (
			job                  Job
			params, stdout, recs string
			state                int
		)
		if err := rows.Scan(
			&job.ID, &job.Command, &job.Source, &params, &stdout, &recs,
			&job.Error, &state, &job.CreatedAt, &job.ClaimedAt, &job.CompletedAt, &job.ErroredAt,
		); err != nil {
			q.log.Warn("skipping unreadable job row", "error", err)
			continue
		}
		if params != "" {
			job.Params = json.RawMessage(params)
		}
		if err := json.Unmarshal([]byte(stdout), &job.Stdout); err != nil {
			job.Stdout = nil
		}
		if err := json.Unmarshal([]byte(recs), &job.RecordIDs); err != nil {
			job.RecordIDs = nil
		}
		job.State = JobState(state)

		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumed = append(resumed, job.ID)
		}
		job.Ctx, job.Cancel = context.WithCancel(context.Background())

		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(resumed) > 0 {
		q.log.Info("resumed jobs that were in progress", "count", len(resumed), "jobs", resumed)
		for _, id := range resumed {
			q.signal(id)
		}
	}
	return nil
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}
	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// persist saves a job and logs failures. Callers hold q.mu.
func (q *Queue) persist(job *Job) {
	if err := q.saveJobToDB(job); err != nil {
		q.log.Error("failed to save job", "job", job.ID, "error", err)
	}
}

func (q *Queue) signal(id string) {
	select {
	case q.Signal <- id:
	default:
		// Runners rescan the whole queue on every signal.
	}
}

func (q *Queue) publishJob(updateType string, job *Job) {
	if q.publisher == nil {
		return
	}
	q.publisher.Publish(updateType, SerializedJob{UpdateType: updateType, Job: job.snapshot()})
}

// AddJob queues a command against source and returns its id.
func (q *Queue) AddJob(command, source string, params json.RawMessage) (string, error) {
	if command == "" {
		return "", errors.New("command is required")
	}
	if source == "" {
		return "", errors.New("source is required")
	}
	if len(params) > 0 && !json.Valid(params) {
		return "", errors.New("params must be valid JSON")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        id,
		Command:   command,
		Source:    source,
		Params:    params,
		State:     StatePending,
		Ctx:       ctx,
		Cancel:    cancel,
		CreatedAt: time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)
	q.persist(job)

	q.log.LogJob(ctx, id, job.State.Name(), nil)
	q.publishJob("create", job)
	q.signal(id)
	return id, nil
}

// RetryJob queues a fresh copy of a finished job and returns the new id.
func (q *Queue) RetryJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}
	if job.State == StatePending || job.State == StateInProgress {
		return "", fmt.Errorf("%w: job %s is still %s", ErrInvalidState, id, job.State.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	newJob := &Job{
		ID:        uuid.NewString(),
		Command:   job.Command,
		Source:    job.Source,
		Params:    job.Params,
		State:     StatePending,
		Ctx:       ctx,
		Cancel:    cancel,
		CreatedAt: time.Now(),
	}
	q.Jobs[newJob.ID] = newJob
	q.JobOrder = append(q.JobOrder, newJob.ID)
	q.persist(newJob)

	q.publishJob("create", newJob)
	q.signal(newJob.ID)
	return newJob.ID, nil
}

// ClaimJob returns the oldest pending job and marks it in progress, or nil
// when nothing is pending or MaxRunning jobs are already in progress.
func (q *Queue) ClaimJob() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running >= q.maxRunning {
		return nil
	}
	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending {
			continue
		}
		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.running++
		q.persist(job)

		q.log.LogJob(job.Ctx, job.ID, job.State.Name(), nil)
		q.publishJob("update", job)
		return job
	}
	return nil
}

// finish moves an in-progress job to a final state. Callers hold q.mu.
func (q *Queue) finish(id string, state JobState, cause error) error {
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("%w: job %s is %s, not in progress", ErrInvalidState, id, job.State.Name())
	}

	now := time.Now()
	job.State = state
	switch state {
	case StateCompleted:
		job.CompletedAt = now
	case StateError:
		job.ErroredAt = now
		if cause != nil {
			job.Error = cause.Error()
		}
	}
	q.running--
	q.persist(job)

	q.log.LogJob(job.Ctx, id, state.Name(), cause)
	q.publishJob("update", job)
	return nil
}

// CompleteJob marks an in-progress job completed.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finish(id, StateCompleted, nil)
}

// ErrorJob marks an in-progress job failed with cause.
func (q *Queue) ErrorJob(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finish(id, StateError, cause)
}

// CancelJob cancels a pending or in-progress job. The job's context is
// cancelled so a running task stops at its next check.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return fmt.Errorf("%w: job %s is %s, cannot cancel", ErrInvalidState, id, job.State.Name())
	}
	job.Cancel()
	if job.State == StateInProgress {
		q.running--
	}
	job.State = StateCancelled
	q.persist(job)

	q.log.LogJob(job.Ctx, id, job.State.Name(), nil)
	q.publishJob("update", job)
	return nil
}

// PushJobStdout appends a progress line to the job.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Stdout = append(job.Stdout, line)
	q.persist(job)

	if q.publisher != nil {
		q.publisher.Publish("stdout-"+id, SerializedStdout{UpdateType: "stdout", Line: line})
	}
	return nil
}

// AttachRecord links a stored record to the job that produced it.
func (q *Queue) AttachRecord(id, recordID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.RecordIDs = append(job.RecordIDs, recordID)
	q.persist(job)
	return nil
}

// GetJobs returns copies of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, q.Jobs[q.JobOrder[i]].snapshot())
	}
	return jobs
}

// GetJob returns a copy of one job.
func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return Job{}, false
	}
	return job.snapshot(), true
}

// Running returns the number of in-progress jobs.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Counts returns the number of jobs per state name.
func (q *Queue) Counts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int)
	for _, job := range q.Jobs {
		out[job.State.Name()]++
	}
	return out
}

func (q *Queue) deleteLocked(id string) {
	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}
	if err := q.removeJobFromDB(id); err != nil {
		q.log.Error("failed to remove job", "job", id, "error", err)
	}
	q.publishJob("delete", &Job{ID: id})
}

// RemoveJob deletes a job, cancelling it first if it is running.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State == StateInProgress {
		job.Cancel()
		q.running--
	}
	q.deleteLocked(id)
	return nil
}

// ClearNonRunningJobs removes every job that is not in progress and returns
// how many were removed.
func (q *Queue) ClearNonRunningJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for _, id := range q.JobOrder {
		if q.Jobs[id].State != StateInProgress {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		q.deleteLocked(id)
	}
	return len(ids)
}
