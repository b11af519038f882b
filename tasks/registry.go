package tasks

import (
	"context"
	"database/sql"
	"sort"

	"github.com/stevecastle/lightfield/correspond"
	"github.com/stevecastle/lightfield/jobqueue"
	"github.com/stevecastle/lightfield/lightfield"
	"github.com/stevecastle/lightfield/logging"
)

// Env is what tasks need from the running service.
type Env struct {
	DB     *sql.DB
	Engine correspond.Config
	Loader lightfield.Options
	Logger *logging.Logger
	// DebugDir receives debug images for jobs that ask for them.
	DebugDir string
}

func (e *Env) log() *logging.Logger {
	if e.Logger == nil {
		return logging.Noop()
	}
	return e.Logger
}

// Func runs one job. It returns nil on success; the runner finalizes the
// job's state from the result.
type Func func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *Env) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fn   Func   `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

func init() {
	RegisterTask("correspond", "Find Correspondences", correspondTask)
	RegisterTask("grid", "Correspondence Grid", gridTask)
}

func RegisterTask(id, name string, fn Func) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}

// List returns the registered tasks sorted by id.
func List() []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
