/*
handlers.go - HTTP API handlers for the attendance point engine

PURPOSE:
  Exposes the attendance engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to attendance.Engine.

ENDPOINTS:
  Classification:
    POST   /api/classify                           Preview a violation's point

  Employees:
    GET    /api/employees/{id}/points              List points (?active=true)
    POST   /api/employees/{id}/points              Create manual point
    GET    /api/employees/{id}/summary             Point summary (?as_of=)
    POST   /api/employees/{id}/gbro/recalculate    Run the GBRO cascade

  Points:
    GET    /api/points/{id}                        Get point
    PUT    /api/points/{id}                        Update manual point
    DELETE /api/points/{id}                        Delete manual point
    POST   /api/points/{id}/excuse                 Excuse point
    POST   /api/points/{id}/unexcuse               Unexcuse point

  Source:
    POST   /api/violations                         Record violation occurrences

  Consistency:
    POST   /api/consistency/{kind}                 Start a job (202)
    GET    /api/jobs                               List job runs (?status=&limit=)
    GET    /api/jobs/{id}                          Get job run

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Point or job not found
  - 409: Lease held, slot taken, point not editable in its state
  - 422: Data the policy cannot interpret
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Put the server behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - jobs.go: Async consistency jobs
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine *attendance.Engine
	Store  *sqlite.Store
	Jobs   *JobRunner
	Logger *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(engine *attendance.Engine, store *sqlite.Store, jobs *JobRunner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Handler{Engine: engine, Store: store, Jobs: jobs, Logger: logger, validate: v}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a domain error to its status. Server-side failures are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case attendance.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrLockHeld),
		errors.Is(err, attendance.ErrConsistencyConflict),
		errors.Is(err, attendance.ErrNotManual),
		errors.Is(err, attendance.ErrPointExcused),
		errors.Is(err, attendance.ErrPointExpired):
		return http.StatusConflict
	case attendance.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, attendance.ErrPolicyAmbiguity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and validates it. An empty body is
// allowed when optional is set.
func (h *Handler) decode(r *http.Request, dst interface{}, optional bool) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return &attendance.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &attendance.ValidationError{Field: fe.Field(), Value: fe.Value(), Reason: "failed " + fe.Tag()}
		}
		return &attendance.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func queryDate(r *http.Request, name string) (generic.TimePoint, error) {
	return parseDateField(name, r.URL.Query().Get(name))
}

// parseDateField parses an optional YYYY-MM-DD value; empty yields the zero date.
func parseDateField(name, raw string) (generic.TimePoint, error) {
	if raw == "" {
		return generic.TimePoint{}, nil
	}
	tp, err := generic.ParseDate(raw)
	if err != nil {
		return generic.TimePoint{}, &attendance.ValidationError{Field: name, Value: raw, Reason: "use YYYY-MM-DD"}
	}
	return tp, nil
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify previews the point a violation would produce.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var req ViolationRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}
	v, err := req.toViolation()
	if err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}
	if v.EmployeeID == "" {
		v.EmployeeID = "preview"
	}

	tmpl, err := h.Engine.Classify(v)
	if err != nil {
		h.fail(w, r, "Classification failed", err)
		return
	}
	sro := h.Engine.Policy.ComputeSro(v.ShiftDate, tmpl.PointType, tmpl.IsAdvised)
	writeJSON(w, http.StatusOK, toTemplateDTO(tmpl, sro))
}

// =============================================================================
// EMPLOYEE POINTS
// =============================================================================

// ListPoints returns an employee's points.
func (h *Handler) ListPoints(w http.ResponseWriter, r *http.Request) {
	employeeID := generic.EntityID(chi.URLParam(r, "id"))

	var (
		points []attendance.AttendancePoint
		err    error
	)
	if r.URL.Query().Get("active") == "true" {
		points, err = h.Store.ListActivePoints(r.Context(), employeeID)
	} else {
		points, err = h.Engine.ListPoints(r.Context(), employeeID)
	}
	if err != nil {
		h.fail(w, r, "Failed to list points", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointDTOs(points))
}

// CreateManualPoint inserts a manual point for the employee in the path.
func (h *Handler) CreateManualPoint(w http.ResponseWriter, r *http.Request) {
	var req ManualPointRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}
	req.EmployeeID = chi.URLParam(r, "id")
	v, err := req.toViolation()
	if err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}

	point, err := h.Engine.CreateManualPoint(r.Context(), v, req.Notes)
	if err != nil {
		h.fail(w, r, "Failed to create point", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPointDTO(point))
}

// GetSummary returns the employee's point summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	employeeID := generic.EntityID(chi.URLParam(r, "id"))
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}

	summary, err := h.Engine.Summary(r.Context(), employeeID, asOf)
	if err != nil {
		h.fail(w, r, "Failed to load summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// RecalculateGbro replays the employee's cascade and persists the outcome.
func (h *Handler) RecalculateGbro(w http.ResponseWriter, r *http.Request) {
	employeeID := generic.EntityID(chi.URLParam(r, "id"))

	var req RecalculateRequest
	if err := h.decode(r, &req, true); err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}
	asOf, err := parseDateField("as_of", req.AsOf)
	if err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}

	result, err := h.Engine.RecalculateGbroCascade(r.Context(), employeeID, asOf)
	if err != nil {
		h.fail(w, r, "Cascade failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// POINTS
// =============================================================================

// GetPoint returns one point.
func (h *Handler) GetPoint(w http.ResponseWriter, r *http.Request) {
	point, err := h.Engine.GetPoint(r.Context(), attendance.PointID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Point not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointDTO(point))
}

// UpdateManualPoint replaces a manual point's classification inputs.
func (h *Handler) UpdateManualPoint(w http.ResponseWriter, r *http.Request) {
	id := attendance.PointID(chi.URLParam(r, "id"))

	var req ManualPointRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}
	if req.EmployeeID == "" {
		current, err := h.Engine.GetPoint(r.Context(), id)
		if err != nil {
			h.fail(w, r, "Point not found", err)
			return
		}
		req.EmployeeID = string(current.EmployeeID)
	}
	v, err := req.toViolation()
	if err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}

	point, err := h.Engine.UpdateManualPoint(r.Context(), id, v, req.Notes)
	if err != nil {
		h.fail(w, r, "Failed to update point", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointDTO(point))
}

// DeleteManualPoint removes a manual point.
func (h *Handler) DeleteManualPoint(w http.ResponseWriter, r *http.Request) {
	id := attendance.PointID(chi.URLParam(r, "id"))
	if err := h.Engine.DeleteManualPoint(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to delete point", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExcusePoint excuses a point.
func (h *Handler) ExcusePoint(w http.ResponseWriter, r *http.Request) {
	id := attendance.PointID(chi.URLParam(r, "id"))

	var req ExcuseRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}

	point, err := h.Engine.ExcusePoint(r.Context(), id, req.Reason, req.ExcusedBy, h.Engine.Now())
	if err != nil {
		h.fail(w, r, "Failed to excuse point", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointDTO(point))
}

// UnexcusePoint returns a point to the active set.
func (h *Handler) UnexcusePoint(w http.ResponseWriter, r *http.Request) {
	id := attendance.PointID(chi.URLParam(r, "id"))
	point, err := h.Engine.UnexcusePoint(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to unexcuse point", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointDTO(point))
}

// =============================================================================
// VIOLATION SOURCE
// =============================================================================

// RecordViolations appends occurrences for a later regenerate run. Every
// occurrence must classify; one bad entry rejects the whole body.
func (h *Handler) RecordViolations(w http.ResponseWriter, r *http.Request) {
	var req RecordViolationsRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}

	violations := make([]attendance.Violation, 0, len(req.Violations))
	for i, vr := range req.Violations {
		v, err := vr.toViolation()
		if err == nil {
			_, err = h.Engine.Classify(v)
		}
		if err != nil {
			h.fail(w, r, fmt.Sprintf("Invalid violation at index %d", i), err)
			return
		}
		violations = append(violations, v)
	}

	if err := h.Store.RecordViolations(r.Context(), violations); err != nil {
		h.fail(w, r, "Failed to record violations", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"recorded": len(violations)})
}

// =============================================================================
// CONSISTENCY JOBS
// =============================================================================

// StartConsistencyJob schedules a consistency operation and returns its job.
func (h *Handler) StartConsistencyJob(w http.ResponseWriter, r *http.Request) {
	kind, err := attendance.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, "Unknown operation", err)
		return
	}

	var req ConsistencyRequest
	if err := h.decode(r, &req, true); err != nil {
		h.fail(w, r, "Invalid request", err)
		return
	}
	scope, err := req.toScope()
	if err != nil {
		h.fail(w, r, "Invalid scope", err)
		return
	}

	run, err := h.Jobs.Start(r.Context(), kind, scope)
	if err != nil {
		h.fail(w, r, "Failed to start job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobRunDTO(run))
}

// ListJobs returns recent job runs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListJobRuns(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.fail(w, r, "Failed to list jobs", err)
		return
	}
	dtos := make([]JobRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toJobRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetJob returns one job run.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetJobRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Job not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobRunDTO(*run))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
