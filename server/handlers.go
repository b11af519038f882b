package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stevecastle/lightfield/auth"
	"github.com/stevecastle/lightfield/jobqueue"
	"github.com/stevecastle/lightfield/metrics"
	"github.com/stevecastle/lightfield/records"
	"github.com/stevecastle/lightfield/tasks"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps package errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound), errors.Is(err, records.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobqueue.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, records.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCreds), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// -----------------------------------------------------------------------------
// Auth
// -----------------------------------------------------------------------------

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// CreateJobRequest is the body of POST /api/jobs. Command defaults to
// "correspond"; Stride only applies to "grid".
type CreateJobRequest struct {
	Source  string `json:"source"`
	Command string `json:"command,omitempty"`
	tasks.CorrespondParams
	Stride int `json:"stride,omitempty"`
}

// params validates the request and encodes the task parameters.
func (req CreateJobRequest) params() (json.RawMessage, error) {
	var p any
	switch req.Command {
	case "grid":
		if req.X != nil || len(req.Pixels) > 0 || req.Debug {
			return nil, errors.New("grid jobs take referenceView and stride only")
		}
		g := tasks.GridParams{ReferenceView: req.ReferenceView, Stride: req.Stride}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		p = g
	default:
		if req.Stride != 0 {
			return nil, fmt.Errorf("stride does not apply to %s jobs", req.Command)
		}
		if err := req.CorrespondParams.Validate(); err != nil {
			return nil, err
		}
		p = req.CorrespondParams
	}
	return json.Marshal(p)
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		metrics.SubmissionsRejected.Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many job submissions")
		return
	}

	var req CreateJobRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.Command == "" {
		req.Command = "correspond"
	}
	if _, ok := s.tasks[req.Command]; !ok {
		writeError(w, http.StatusBadRequest, "unknown command: "+req.Command)
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.queue.AddJob(req.Command, req.Source, params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if claims, ok := ClaimsFrom(r.Context()); ok {
		s.log.InfoContext(r.Context(), "job submitted", "job", id, "command", req.Command, "user", claims.Username)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) jobsListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetJobs())
}

func (s *Server) jobHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.GetJob(r.PathValue("id"))
	if !ok {
		s.fail(w, r, jobqueue.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.CancelJob(r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job cancelled successfully"})
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	newID, err := s.queue.RetryJob(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": newID, "message": "Job queued again"})
}

// removeJobHandler deletes a job. With ?records=true the job's stored
// records are deleted too.
func (s *Server) removeJobHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.RemoveJob(id); err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"message": "Job removed successfully"}
	if withRecords, _ := strconv.ParseBool(r.URL.Query().Get("records")); withRecords {
		n, err := records.RemoveJobItems(r.Context(), s.db, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp["removed_records"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) clearJobsHandler(w http.ResponseWriter, r *http.Request) {
	n := s.queue.ClearNonRunningJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared_count": n,
		"message":       fmt.Sprintf("Cleared %d non-running jobs", n),
	})
}

type taskInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	list := make([]taskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, taskInfo{ID: t.ID, Name: t.Name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

func (s *Server) recordsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := 0, defaultPageSize
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		offset = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= maxPageSize {
		limit = v
	}

	items, hasMore, err := records.GetItems(r.Context(), s.db, offset, limit, q.Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records.APIResponse{Items: items, HasMore: hasMore})
}

func (s *Server) recordHandler(w http.ResponseWriter, r *http.Request) {
	item, err := records.GetItem(r.Context(), s.db, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) removeRecordHandler(w http.ResponseWriter, r *http.Request) {
	if err := records.RemoveItem(r.Context(), s.db, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Pages
// -----------------------------------------------------------------------------

func (s *Server) jobsPageHandler(w http.ResponseWriter, r *http.Request) {
	data := struct{ Jobs []jobqueue.Job }{Jobs: s.queue.GetJobs()}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := Templates().ExecuteTemplate(w, "jobs", data); err != nil {
		s.log.ErrorContext(r.Context(), "render jobs page", "error", err)
	}
}

func (s *Server) recordPageHandler(w http.ResponseWriter, r *http.Request) {
	item, err := records.GetItem(r.Context(), s.db, r.PathValue("id"))
	if errors.Is(err, records.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.ErrorContext(r.Context(), "load record", "error", err)
		http.Error(w, "Error fetching record", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := Templates().ExecuteTemplate(w, "record", item); err != nil {
		s.log.ErrorContext(r.Context(), "render record page", "error", err)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// healthHandler reports queue and stream statistics.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	counts := s.queue.Counts()
	jobStats := map[string]int{"total": 0}
	for _, st := range []jobqueue.JobState{
		jobqueue.StatePending, jobqueue.StateInProgress, jobqueue.StateCompleted,
		jobqueue.StateCancelled, jobqueue.StateError,
	} {
		jobStats[st.Name()] = counts[st.Name()]
		jobStats["total"] += counts[st.Name()]
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"jobs":      jobStats,
	}
	if s.hub != nil {
		health["stream"] = s.hub.Stats()
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, health)
}
