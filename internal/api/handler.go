// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/health"
	"eemt-orchestrator/internal/job"
	"eemt-orchestrator/internal/orchestrator"
	"eemt-orchestrator/internal/retention"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

const (
	// maxRequestBodySize limits JSON request bodies.
	maxRequestBodySize = 1 << 20 // 1 MB

	// multipartMemory is how much of a submission is held in memory before
	// the upload spills to a temporary file.
	multipartMemory = 32 << 20

	defaultLogTail = 50
	maxLogTail     = 10000
)

// Form fields of a job submission that are not worker parameters.
const (
	formKind  = "kind"
	formInput = "input"
)

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	jobs          *orchestrator.Orchestrator
	cleanup       *retention.Engine
	policy        retention.Policy
	health        *health.Checker
	maxUploadSize int64
}

// NewHandler creates a new API handler
func NewHandler(cfg RouterConfig) *Handler {
	return &Handler{
		jobs:          cfg.Orchestrator,
		cleanup:       cfg.Cleanup,
		policy:        cfg.CleanupPolicy,
		health:        cfg.HealthChecker,
		maxUploadSize: cfg.MaxUploadSize,
	}
}

// CreateJobResponse acknowledges an accepted submission.
type CreateJobResponse struct {
	ID     string     `json:"id"`
	Status job.Status `json:"status"`
}

// ListJobsResponse wraps a page of jobs.
type ListJobsResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

// LogsResponse holds the tail of a job's worker output.
type LogsResponse struct {
	ID    string   `json:"id"`
	Lines []string `json:"lines"`
}

// KindsResponse lists the supported workflows.
type KindsResponse struct {
	Kinds []*job.KindSpec `json:"kinds"`
}

// CleanupRequest overrides the configured retention policy for one run.
// Durations use Go syntax, e.g. "168h" or "90m".
type CleanupRequest struct {
	SuccessRetention string `json:"successRetention,omitempty"`
	FailedRetention  string `json:"failedRetention,omitempty"`
	DryRun           *bool  `json:"dryRun,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// CreateJob handles POST /v1/jobs. The body is multipart/form-data with a
// "kind" field, one field per worker parameter and the DEM file as "input".
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartMemory)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.handleError(w, r, apperrors.ValidationCode(apperrors.CodeInputTooLarge, formInput,
				fmt.Sprintf("input exceeds maximum size of %d bytes", h.maxUploadSize)))
			return
		}
		h.handleError(w, r, apperrors.Validation("", "invalid multipart form: "+err.Error()))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("Failed to remove multipart temp files", "error", err)
		}
	}()

	raw := make(map[string]string)
	for name, values := range r.MultipartForm.Value {
		if name == formKind || len(values) == 0 {
			continue
		}
		raw[name] = values[0]
	}
	params, err := job.ParseParameters(raw)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	req := orchestrator.SubmitRequest{
		Kind:       r.FormValue(formKind),
		Parameters: params,
	}

	var file multipart.File
	if headers := r.MultipartForm.File[formInput]; len(headers) > 0 {
		file, err = headers[0].Open()
		if err != nil {
			h.handleError(w, r, apperrors.Internal("api.openUpload", err))
			return
		}
		defer file.Close()
		req.InputName = headers[0].Filename
		req.Input = file
	}

	j, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+j.ID)
	h.writeJSON(w, http.StatusAccepted, CreateJobResponse{ID: j.ID, Status: j.Status})
}

// ListJobs handles GET /v1/jobs?status=&limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var filter job.ListFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status, err := job.ParseStatus(s)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		filter.Status = status
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			h.handleError(w, r, apperrors.Validation("limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	h.writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetResults handles GET /v1/jobs/{jobId}/results
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	write, err := h.jobs.Results(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "eemt_results_"+jobID+".tar.gz"))
	w.WriteHeader(http.StatusOK)
	if err := write(w); err != nil {
		// Headers are gone; the truncated archive is all the client sees.
		slog.Error("Failed to stream results", "jobId", jobID, "error", err)
	}
}

// GetLogs handles GET /v1/jobs/{jobId}/logs?tail=50
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	tail := defaultLogTail
	if s := r.URL.Query().Get("tail"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxLogTail {
			h.handleError(w, r, apperrors.Validation("tail", fmt.Sprintf("tail must be between 1 and %d", maxLogTail)))
			return
		}
		tail = n
	}

	jobID := r.PathValue("jobId")
	lines, err := h.jobs.Logs(r.Context(), jobID, tail)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}

	h.writeJSON(w, http.StatusOK, LogsResponse{ID: jobID, Lines: lines})
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel and DELETE /v1/jobs/{jobId}.
// Cancellation is asynchronous; the job reaches failed once its worker is gone.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "cancelling"})
}

// RunCleanup handles POST /v1/cleanup. An empty body runs the configured policy.
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, apperrors.Validation("", "invalid request body: "+err.Error()))
		return
	}

	policy, err := req.apply(h.policy)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	report, err := h.cleanup.RunCleanup(r.Context(), policy)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

func (c CleanupRequest) apply(p retention.Policy) (retention.Policy, error) {
	if c.SuccessRetention != "" {
		d, err := time.ParseDuration(c.SuccessRetention)
		if err != nil {
			return p, apperrors.Validation("successRetention", "successRetention must be a duration such as 168h")
		}
		p.SuccessRetention = d
	}
	if c.FailedRetention != "" {
		d, err := time.ParseDuration(c.FailedRetention)
		if err != nil {
			return p, apperrors.Validation("failedRetention", "failedRetention must be a duration such as 12h")
		}
		p.FailedRetention = d
	}
	if c.DryRun != nil {
		p.DryRun = *c.DryRun
	}
	return p, p.Validate()
}

// ListKinds handles GET /v1/kinds
func (h *Handler) ListKinds(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, KindsResponse{Kinds: job.Specs()})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the container engine or the job store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Code:  apperrors.CodeOf(err),
		Field: apperrors.FieldOf(err),
	})
}
