// Package vitals reads and writes a patient's vital-sign observations on
// the FHIR server the session is authorized against.
package vitals

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// VitalType enumerates the vital signs the app can record.
type VitalType string

const (
	BloodPressure    VitalType = "blood-pressure"
	HeartRate        VitalType = "heart-rate"
	RespiratoryRate  VitalType = "respiratory-rate"
	Temperature      VitalType = "temperature"
	OxygenSaturation VitalType = "oxygen-saturation"
)

// VitalTypes lists every supported type in display order.
var VitalTypes = []VitalType{BloodPressure, HeartRate, RespiratoryRate, Temperature, OxygenSaturation}

// VitalObservationRequest is one measurement entered by the user. Blood
// pressure carries Systolic and Diastolic; every other type carries Value.
type VitalObservationRequest struct {
	PatientID string    `json:"patientId" validate:"required"`
	Type      VitalType `json:"type" validate:"required,oneof=blood-pressure heart-rate respiratory-rate temperature oxygen-saturation"`
	Value     *float64  `json:"value,omitempty" validate:"required_unless=Type blood-pressure"`
	Systolic  *float64  `json:"systolic,omitempty" validate:"required_if=Type blood-pressure"`
	Diastolic *float64  `json:"diastolic,omitempty" validate:"required_if=Type blood-pressure"`
	Unit      string    `json:"unit,omitempty" validate:"max=16"`
}

// ValidationError lists the fields of a request that failed validation,
// keyed by their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, name := range sortedKeys(e.Fields) {
		parts = append(parts, fmt.Sprintf("%s %s", name, e.Fields[name]))
	}
	return "invalid vital: " + strings.Join(parts, ", ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the request is complete for its type. It does not
// check clinical ranges.
func (r *VitalObservationRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate vital: %w", err)
	}
	ve := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		ve.Fields[fe.Field()] = describeTag(fe)
	}
	return ve
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
