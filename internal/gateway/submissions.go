// ABOUTME: HTTP API handlers for headless submissions and schedule triggers
// ABOUTME: Submissions run without a client attached; results are read back by id or listed from the store

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/pool"
	"github.com/2389/coven-relay/internal/schedule"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/submit"
)

// CreateSubmissionRequest is the JSON body for POST /api/submissions.
type CreateSubmissionRequest struct {
	// Key makes the request idempotent: a repeated key returns the first submission.
	Key           string   `json:"key,omitempty"`
	Prompt        string   `json:"prompt"`
	WorkingDir    string   `json:"working_dir,omitempty"`
	Model         string   `json:"model,omitempty"`
	SystemMessage string   `json:"system_message,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	MCPServers    []string `json:"mcp_servers,omitempty"`
	MaxRuntime    string   `json:"max_runtime,omitempty"`
}

// SubmissionResponse wraps a submission snapshot.
type SubmissionResponse struct {
	Submission submit.Submission `json:"submission"`
	Duplicate  bool              `json:"duplicate,omitempty"`
}

// handleCreateSubmission queues a headless turn and returns immediately.
func (g *Gateway) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req CreateSubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		g.sendJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	var maxRuntime time.Duration
	if req.MaxRuntime != "" {
		d, err := time.ParseDuration(req.MaxRuntime)
		if err != nil || d <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid max_runtime")
			return
		}
		maxRuntime = d
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = g.config.Backend.WorkingDir
	}
	model := req.Model
	if model == "" {
		model = g.config.Backend.Model
	}

	sub, err := g.submitter.Submit(r.Context(), submit.Spec{
		Key:    req.Key,
		Prompt: req.Prompt,
		Config: pool.BoundConfig{
			WorkingDir: workingDir,
			Tools:      req.Tools,
			MCPServers: req.MCPServers,
		},
		Turn: backend.TurnConfig{
			Model:         model,
			SystemMessage: req.SystemMessage,
			Tools:         req.Tools,
			MCPServers:    req.MCPServers,
			NewSession:    true,
		},
		MaxRuntime: maxRuntime,
	})
	switch {
	case errors.Is(err, submit.ErrDuplicate):
		g.writeJSON(w, http.StatusOK, SubmissionResponse{Submission: sub, Duplicate: true})
	case errors.Is(err, submit.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "relay is shutting down")
	case err != nil:
		g.logger.Error("failed to submit", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		g.writeJSON(w, http.StatusAccepted, SubmissionResponse{Submission: sub})
	}
}

// handleListSubmissions lists recorded submissions, newest first.
// Supports ?schedule_id=, ?status=, and ?limit= filters.
func (g *Gateway) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	subs, err := g.store.ListSubmissions(r.Context(), store.SubmissionFilter{
		ScheduleID: q.Get("schedule_id"),
		Status:     q.Get("status"),
		Limit:      limit,
	})
	if err != nil {
		g.logger.Error("failed to list submissions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if subs == nil {
		subs = []*submit.Submission{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

// handleGetSubmission returns a live submission or, once it has aged out of
// memory, its stored record.
func (g *Gateway) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sub, ok := g.submitter.Get(id); ok {
		g.writeJSON(w, http.StatusOK, SubmissionResponse{Submission: sub})
		return
	}

	sub, err := g.store.GetSubmission(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get submission", "submission_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, SubmissionResponse{Submission: *sub})
}

// handleAbortSubmission cancels a pending or running submission.
func (g *Gateway) handleAbortSubmission(w http.ResponseWriter, r *http.Request) {
	aborted := g.submitter.Abort(r.PathValue("id"))
	g.writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// handleFireSchedule submits a configured schedule immediately.
func (g *Gateway) handleFireSchedule(w http.ResponseWriter, r *http.Request) {
	sub, err := g.scheduler.Fire(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, schedule.ErrUnknownSchedule):
		g.sendJSONError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, submit.ErrDuplicate):
		g.writeJSON(w, http.StatusOK, SubmissionResponse{Submission: sub, Duplicate: true})
	case errors.Is(err, submit.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "relay is shutting down")
	case err != nil:
		g.logger.Error("failed to fire schedule", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		g.writeJSON(w, http.StatusAccepted, SubmissionResponse{Submission: sub})
	}
}
