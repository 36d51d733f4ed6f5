package attendance

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CLASSIFIER - Violation occurrence -> point template
// =============================================================================
//
//   pointType                 value  constraint        GBRO  SRO
//   whole_day_absence advised 1.00   -                 yes   6 months
//   whole_day_absence NCNS    1.00   -                 no    12 months
//   half_day_absence          0.50   -                 yes   6 months
//   undertime                 0.25   minutes in 1..60  yes   6 months
//   undertime_more_than_hour  0.50   minutes >= 61     yes   6 months
//   tardy                     0.25   -                 yes   6 months
//
// Classification is pure. Missing minutes are accepted; minutes that are
// present must fall inside the type's band.

const (
	undertimeMaxMinutes         = 60
	undertimeOverHourMinMinutes = 61
)

var pointValues = map[PointType]decimal.Decimal{
	PointWholeDayAbsence:       decimal.NewFromInt(1),
	PointHalfDayAbsence:        decimal.RequireFromString("0.50"),
	PointUndertime:             decimal.RequireFromString("0.25"),
	PointUndertimeMoreThanHour: decimal.RequireFromString("0.50"),
	PointTardy:                 decimal.RequireFromString("0.25"),
}

// PointValue returns the fixed value for a point type.
func PointValue(t PointType) (decimal.Decimal, bool) {
	v, ok := pointValues[t]
	return v, ok
}

// Classifier maps violations to point templates under a Policy.
type Classifier struct {
	Policy   Policy
	validate *validator.Validate
}

// NewClassifier creates a classifier for the given policy.
func NewClassifier(policy Policy) *Classifier {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Classifier{Policy: policy, validate: v}
}

// Classify returns the template for v or a *ValidationError.
func (c *Classifier) Classify(v Violation) (PointTemplate, error) {
	if err := c.validateShape(v); err != nil {
		return PointTemplate{}, err
	}

	value, ok := PointValue(v.PointType)
	if !ok {
		return PointTemplate{}, &ValidationError{Field: "point_type", Value: v.PointType, Reason: "unknown point type"}
	}

	switch v.PointType {
	case PointUndertime:
		if m := v.UndertimeMinutes; m != nil && (*m < 1 || *m > undertimeMaxMinutes) {
			return PointTemplate{}, &ValidationError{
				Field:  "undertime_minutes",
				Value:  *m,
				Reason: fmt.Sprintf("undertime must be 1-%d minutes; resubmit as %s", undertimeMaxMinutes, PointUndertimeMoreThanHour),
			}
		}
	case PointUndertimeMoreThanHour:
		if m := v.UndertimeMinutes; m != nil && *m < undertimeOverHourMinMinutes {
			return PointTemplate{}, &ValidationError{
				Field:  "undertime_minutes",
				Value:  *m,
				Reason: fmt.Sprintf("must be at least %d minutes; resubmit as %s", undertimeOverHourMinMinutes, PointUndertime),
			}
		}
	}

	// Only whole-day absences distinguish advised from NCNS.
	advised := v.IsAdvised
	if v.PointType != PointWholeDayAbsence {
		advised = false
	}

	return PointTemplate{
		PointType:       v.PointType,
		Value:           value,
		IsAdvised:       advised,
		EligibleForGbro: !IsNCNS(v.PointType, advised),
		SroWindowMonths: c.Policy.SroWindowMonths(v.PointType, advised),
	}, nil
}

func (c *Classifier) validateShape(v Violation) error {
	if err := c.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Value: fe.Value(), Reason: "failed " + fe.Tag()}
		}
		return &ValidationError{Field: "violation", Reason: err.Error()}
	}
	if v.ShiftDate.IsZero() {
		return &ValidationError{Field: "shift_date", Reason: "required"}
	}
	return nil
}

// NewPoint builds a fresh active point from a classified violation.
func (c *Classifier) NewPoint(id PointID, v Violation, tmpl PointTemplate) AttendancePoint {
	return AttendancePoint{
		ID:               id,
		EmployeeID:       v.EmployeeID,
		ShiftDate:        v.ShiftDate,
		PointType:        tmpl.PointType,
		PointValue:       tmpl.Value,
		IsAdvised:        tmpl.IsAdvised,
		EligibleForGbro:  tmpl.EligibleForGbro,
		SroExpiresAt:     c.Policy.ComputeSro(v.ShiftDate, tmpl.PointType, tmpl.IsAdvised),
		ExpirationType:   ExpirationNone,
		ViolationDetails: v.Details,
		TardyMinutes:     v.TardyMinutes,
		UndertimeMinutes: v.UndertimeMinutes,
	}
}
