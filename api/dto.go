/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the attendance domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  Handler.decode, which rejects a body before any domain call.

SEE ALSO:
  - handlers.go: Uses these types
  - attendance/types.go: Domain model
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/store/sqlite"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ViolationRequest describes one violation occurrence.
type ViolationRequest struct {
	EmployeeID       string `json:"employee_id"`
	ShiftDate        string `json:"shift_date" validate:"required,datetime=2006-01-02"`
	PointType        string `json:"point_type" validate:"required,oneof=whole_day_absence half_day_absence undertime undertime_more_than_hour tardy"`
	TardyMinutes     *int   `json:"tardy_minutes,omitempty" validate:"omitempty,gte=0"`
	UndertimeMinutes *int   `json:"undertime_minutes,omitempty" validate:"omitempty,gte=0"`
	IsAdvised        bool   `json:"is_advised"`
	Details          string `json:"violation_details,omitempty"`
}

func (r ViolationRequest) toViolation() (attendance.Violation, error) {
	shiftDate, err := generic.ParseDate(r.ShiftDate)
	if err != nil {
		return attendance.Violation{}, &attendance.ValidationError{Field: "shift_date", Value: r.ShiftDate, Reason: "use YYYY-MM-DD"}
	}
	return attendance.Violation{
		EmployeeID:       generic.EntityID(r.EmployeeID),
		ShiftDate:        shiftDate,
		PointType:        attendance.PointType(r.PointType),
		TardyMinutes:     r.TardyMinutes,
		UndertimeMinutes: r.UndertimeMinutes,
		IsAdvised:        r.IsAdvised,
		Details:          r.Details,
	}, nil
}

// ManualPointRequest creates or updates a manual point.
type ManualPointRequest struct {
	ViolationRequest
	Notes string `json:"notes,omitempty"`
}

// RecordViolationsRequest appends occurrences to the violation source.
type RecordViolationsRequest struct {
	Violations []ViolationRequest `json:"violations" validate:"required,min=1,dive"`
}

// ExcuseRequest excuses a point.
type ExcuseRequest struct {
	Reason    string `json:"reason" validate:"required"`
	ExcusedBy string `json:"excused_by" validate:"required"`
}

// RecalculateRequest runs the cascade for one employee.
type RecalculateRequest struct {
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// ConsistencyRequest is the scope of a consistency job.
type ConsistencyRequest struct {
	EmployeeIDs    []string `json:"employee_ids,omitempty" validate:"omitempty,dive,required"`
	PeriodStart    string   `json:"period_start,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PeriodEnd      string   `json:"period_end,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Expiration     string   `json:"expiration,omitempty" validate:"omitempty,oneof=sro gbro both"`
	ExpirationType string   `json:"expiration_type,omitempty" validate:"omitempty,oneof=sro gbro"`
	PointIDs       []string `json:"point_ids,omitempty" validate:"omitempty,dive,required"`
	AsOf           string   `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (r ConsistencyRequest) toScope() (attendance.ScopeFilter, error) {
	var (
		scope attendance.ScopeFilter
		err   error
	)
	for _, id := range r.EmployeeIDs {
		scope.EmployeeIDs = append(scope.EmployeeIDs, generic.EntityID(id))
	}
	for _, id := range r.PointIDs {
		scope.PointIDs = append(scope.PointIDs, attendance.PointID(id))
	}
	if r.PeriodStart != "" {
		if scope.Period.Start, err = generic.ParseDate(r.PeriodStart); err != nil {
			return scope, err
		}
	}
	if r.PeriodEnd != "" {
		if scope.Period.End, err = generic.ParseDate(r.PeriodEnd); err != nil {
			return scope, err
		}
	}
	if r.AsOf != "" {
		if scope.AsOf, err = generic.ParseDate(r.AsOf); err != nil {
			return scope, err
		}
	}
	scope.Expiration = attendance.ExpirationScope(r.Expiration)
	scope.ExpirationType = attendance.ExpirationType(r.ExpirationType)
	return scope, scope.Validate()
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// PointTemplateDTO is the classify preview.
type PointTemplateDTO struct {
	PointType       string  `json:"point_type"`
	PointValue      string  `json:"point_value"`
	IsAdvised       bool    `json:"is_advised"`
	EligibleForGbro bool    `json:"eligible_for_gbro"`
	SroWindowMonths int     `json:"sro_window_months"`
	SroExpiresAt    *string `json:"sro_expires_at,omitempty"`
}

// PointDTO represents an attendance point in API responses.
type PointDTO struct {
	ID               string  `json:"id"`
	EmployeeID       string  `json:"employee_id"`
	ShiftDate        string  `json:"shift_date"`
	PointType        string  `json:"point_type"`
	PointValue       string  `json:"point_value"`
	IsAdvised        bool    `json:"is_advised"`
	IsManual         bool    `json:"is_manual"`
	IsExcused        bool    `json:"is_excused"`
	ExcuseReason     string  `json:"excuse_reason,omitempty"`
	ExcusedBy        string  `json:"excused_by,omitempty"`
	ExcusedAt        *string `json:"excused_at,omitempty"`
	SroExpiresAt     string  `json:"sro_expires_at"`
	EligibleForGbro  bool    `json:"eligible_for_gbro"`
	GbroExpiresAt    *string `json:"gbro_expires_at"`
	GbroAppliedAt    *string `json:"gbro_applied_at"`
	GbroBatchID      string  `json:"gbro_batch_id,omitempty"`
	IsExpired        bool    `json:"is_expired"`
	ExpiredAt        *string `json:"expired_at"`
	ExpirationType   string  `json:"expiration_type"`
	ViolationDetails string  `json:"violation_details,omitempty"`
	TardyMinutes     *int    `json:"tardy_minutes,omitempty"`
	UndertimeMinutes *int    `json:"undertime_minutes,omitempty"`
	Notes            string  `json:"notes,omitempty"`
	CreatedAt        string  `json:"created_at,omitempty"`
	UpdatedAt        string  `json:"updated_at,omitempty"`
}

// SummaryDTO is an employee's point summary.
type SummaryDTO struct {
	EmployeeID   string  `json:"employee_id"`
	AsOf         string  `json:"as_of"`
	ActiveTotal  string  `json:"active_total"`
	ActiveCount  int     `json:"active_count"`
	ExcusedCount int     `json:"excused_count"`
	ExpiredSro   int     `json:"expired_sro"`
	ExpiredGbro  int     `json:"expired_gbro"`
	NextGbroDate *string `json:"next_gbro_date"`
	NextSroDate  *string `json:"next_sro_date"`
}

// JobRunDTO represents a consistency job record.
type JobRunDTO struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Scope       json.RawMessage `json:"scope"`
	Status      string          `json:"status"`
	Affected    int             `json:"affected"`
	FailedCount int             `json:"failed_count"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *string         `json:"started_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toTemplateDTO(t attendance.PointTemplate, sro generic.TimePoint) PointTemplateDTO {
	return PointTemplateDTO{
		PointType:       string(t.PointType),
		PointValue:      t.Value.StringFixed(2),
		IsAdvised:       t.IsAdvised,
		EligibleForGbro: t.EligibleForGbro,
		SroWindowMonths: t.SroWindowMonths,
		SroExpiresAt:    dateString(generic.OptionalDate(sro)),
	}
}

func toPointDTO(p attendance.AttendancePoint) PointDTO {
	return PointDTO{
		ID:               string(p.ID),
		EmployeeID:       string(p.EmployeeID),
		ShiftDate:        p.ShiftDate.String(),
		PointType:        string(p.PointType),
		PointValue:       p.PointValue.StringFixed(2),
		IsAdvised:        p.IsAdvised,
		IsManual:         p.IsManual,
		IsExcused:        p.IsExcused,
		ExcuseReason:     p.ExcuseReason,
		ExcusedBy:        p.ExcusedBy,
		ExcusedAt:        timeString(p.ExcusedAt),
		SroExpiresAt:     p.SroExpiresAt.String(),
		EligibleForGbro:  p.EligibleForGbro,
		GbroExpiresAt:    dateString(p.GbroExpiresAt),
		GbroAppliedAt:    dateString(p.GbroAppliedAt),
		GbroBatchID:      p.GbroBatchID,
		IsExpired:        p.IsExpired,
		ExpiredAt:        dateString(p.ExpiredAt),
		ExpirationType:   string(p.ExpirationType),
		ViolationDetails: p.ViolationDetails,
		TardyMinutes:     p.TardyMinutes,
		UndertimeMinutes: p.UndertimeMinutes,
		Notes:            p.Notes,
		CreatedAt:        formatTime(p.CreatedAt),
		UpdatedAt:        formatTime(p.UpdatedAt),
	}
}

func toPointDTOs(points []attendance.AttendancePoint) []PointDTO {
	dtos := make([]PointDTO, 0, len(points))
	for _, p := range points {
		dtos = append(dtos, toPointDTO(p))
	}
	return dtos
}

func toSummaryDTO(s attendance.Summary) SummaryDTO {
	return SummaryDTO{
		EmployeeID:   string(s.EmployeeID),
		AsOf:         s.AsOf.String(),
		ActiveTotal:  s.ActiveTotal.Value.StringFixed(2),
		ActiveCount:  s.ActiveCount,
		ExcusedCount: s.ExcusedCount,
		ExpiredSro:   s.ExpiredSro,
		ExpiredGbro:  s.ExpiredGbro,
		NextGbroDate: dateString(s.NextGbroDate),
		NextSroDate:  dateString(s.NextSroDate),
	}
}

func toJobRunDTO(r sqlite.JobRun) JobRunDTO {
	dto := JobRunDTO{
		ID:          r.ID,
		Kind:        r.Kind,
		Scope:       json.RawMessage(r.ScopeJSON),
		Status:      r.Status,
		Affected:    r.Affected,
		FailedCount: r.FailedCount,
		Error:       r.Error,
		StartedAt:   timeString(r.StartedAt),
		CompletedAt: timeString(r.CompletedAt),
		CreatedAt:   formatTime(r.CreatedAt),
	}
	if r.ResultJSON != "" {
		dto.Result = json.RawMessage(r.ResultJSON)
	}
	return dto
}

func dateString(tp *generic.TimePoint) *string {
	if tp == nil || tp.IsZero() {
		return nil
	}
	s := tp.String()
	return &s
}

func timeString(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
