package vitals

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ehr/smartvitals/internal/platform/fhir"
	"github.com/ehr/smartvitals/pkg/fhirmodels"
)

// EffectiveTimeLayout renders an instant in UTC with a zero millisecond
// field and a literal Z.
const EffectiveTimeLayout = "2006-01-02T15:04:05.000Z"

// DefaultLocalCoding is the site-local respiratory rate code sent alongside
// LOINC 9279-1.
var DefaultLocalCoding = LocalCoding{
	System:  "https://fhir.cerner.com/ec2458f2-1e24-41c8-b71b-0e701af7583d/codeSet/72",
	Code:    "703540",
	Display: "Respiratory Rate",
}

// LocalCoding is a site-specific code added to an observation as the
// user-selected coding.
type LocalCoding struct {
	System  string
	Code    string
	Display string
}

// ErrMissingValue is returned when a request lacks the value its type needs.
var ErrMissingValue = errors.New("vital value missing")

// component describes one part of a panel observation.
type component struct {
	code    string
	display string
	value   func(VitalObservationRequest) *float64
}

// rule is how one vital type becomes an Observation.
type rule struct {
	codings    []fhir.Coding
	text       string
	unit       string
	ucum       string
	decimals   int // -1 keeps the value as entered
	useLocal   bool
	components []component
	// convert turns the entered value into the stored one and optionally
	// returns the entered quantity to keep as a translation.
	convert func(value float64, unit string) (float64, *fhir.Quantity)
}

func loinc(code, display string) fhir.Coding {
	return fhir.Coding{System: fhirmodels.SystemLOINC, Code: code, Display: display}
}

var rules = map[VitalType]rule{
	BloodPressure: {
		codings:  []fhir.Coding{loinc(fhirmodels.LOINCBloodPressurePanel, "Blood pressure panel with all children optional")},
		text:     "Blood pressure",
		unit:     "mmHg",
		ucum:     fhirmodels.UCUMMillimeterMercury,
		decimals: -1,
		components: []component{
			{fhirmodels.LOINCSystolic, "Systolic blood pressure", func(r VitalObservationRequest) *float64 { return r.Systolic }},
			{fhirmodels.LOINCDiastolic, "Diastolic blood pressure", func(r VitalObservationRequest) *float64 { return r.Diastolic }},
		},
	},
	HeartRate: {
		codings:  []fhir.Coding{loinc(fhirmodels.LOINCHeartRateSitting, "Heart rate --sitting")},
		text:     "Heart rate --sitting",
		unit:     "bpm",
		ucum:     fhirmodels.UCUMBeatsPerMinute,
		decimals: 0,
	},
	RespiratoryRate: {
		codings:  []fhir.Coding{loinc(fhirmodels.LOINCRespiratoryRate, "Respiratory rate")},
		text:     "Respiratory rate",
		unit:     "bpm",
		ucum:     fhirmodels.UCUMPerMinute,
		decimals: 0,
		useLocal: true,
	},
	Temperature: {
		codings:  []fhir.Coding{loinc(fhirmodels.LOINCOralTemperature, "Oral temperature")},
		text:     "Temperature Oral",
		unit:     "degC",
		ucum:     fhirmodels.UCUMCelsius,
		decimals: 1,
		convert:  fahrenheitToCelsius,
	},
	OxygenSaturation: {
		codings: []fhir.Coding{
			loinc(fhirmodels.LOINCOxygenSaturation, "Oxygen saturation in Arterial blood by Pulse oximetry"),
			loinc(fhirmodels.LOINCOxygenSaturationArt, "Oxygen saturation in Arterial blood"),
		},
		text:     "Oxygen saturation",
		unit:     "%",
		ucum:     fhirmodels.UCUMPercent,
		decimals: 2,
		convert:  percentToFraction,
	},
}

// IsFahrenheit reports whether unit denotes degrees Fahrenheit.
func IsFahrenheit(unit string) bool {
	switch unit {
	case "°F", "degF", "[degF]", "F":
		return true
	}
	return false
}

func fahrenheitToCelsius(v float64, unit string) (float64, *fhir.Quantity) {
	if !IsFahrenheit(unit) {
		return v, nil
	}
	return (v - 32) * 5 / 9, &fhir.Quantity{
		Value:  fhir.Float(round(v, 1)),
		Unit:   "degF",
		System: fhirmodels.SystemUCUM,
		Code:   fhirmodels.UCUMFahrenheit,
	}
}

func percentToFraction(v float64, unit string) (float64, *fhir.Quantity) {
	if unit == "%" {
		return v / 100, nil
	}
	return v, nil
}

func round(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Mapper turns requests into FHIR Observations.
type Mapper struct {
	local LocalCoding
	now   func() time.Time
}

// NewMapper creates a mapper that uses local as the respiratory rate
// user-selected coding.
func NewMapper(local LocalCoding) *Mapper {
	return &Mapper{local: local, now: time.Now}
}

// Map builds the Observation for req. Types outside the enumeration fall
// through to the oxygen saturation rule.
func (m *Mapper) Map(req VitalObservationRequest) (*fhir.Observation, error) {
	r, ok := rules[req.Type]
	if !ok {
		r = rules[OxygenSaturation]
	}

	obs := fhir.NewObservation()
	obs.Status = fhirmodels.ObsStatusFinal
	obs.Category = []fhir.CodeableConcept{{
		Coding: []fhir.Coding{{
			System:  fhirmodels.SystemObservationCategory,
			Code:    fhirmodels.ObsCategoryVitalSigns,
			Display: "Vital Signs",
		}},
		Text: "Vital Signs",
	}}
	obs.Code = fhir.CodeableConcept{Coding: append([]fhir.Coding{}, r.codings...), Text: r.text}
	if r.useLocal && m.local.Code != "" {
		obs.Code.Coding = append(obs.Code.Coding, fhir.Coding{
			System:       m.local.System,
			Code:         m.local.Code,
			Display:      m.local.Display,
			UserSelected: fhir.Bool(true),
		})
	}
	obs.Subject = &fhir.Reference{Reference: "Patient/" + req.PatientID}
	obs.EffectiveDateTime = m.now().UTC().Truncate(time.Second).Format(EffectiveTimeLayout)

	if len(r.components) > 0 {
		for _, c := range r.components {
			v := c.value(req)
			if v == nil {
				return nil, fmt.Errorf("%w: %s", ErrMissingValue, c.display)
			}
			obs.Component = append(obs.Component, fhir.ObservationComponent{
				Code:          fhir.CodeableConcept{Coding: []fhir.Coding{loinc(c.code, c.display)}, Text: c.display},
				ValueQuantity: r.quantity(*v),
			})
		}
		return obs, nil
	}

	if req.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingValue, req.Type)
	}
	value := *req.Value
	var entered *fhir.Quantity
	if r.convert != nil {
		value, entered = r.convert(value, req.Unit)
	}
	obs.ValueQuantity = r.quantity(value)
	if entered != nil {
		obs.Extension = append(obs.Extension, fhir.Extension{
			URL:           fhirmodels.ExtensionTranslation,
			ValueQuantity: entered,
		})
	}
	return obs, nil
}

func (r rule) quantity(v float64) *fhir.Quantity {
	return &fhir.Quantity{
		Value:  fhir.Float(round(v, r.decimals)),
		Unit:   r.unit,
		System: fhirmodels.SystemUCUM,
		Code:   r.ucum,
	}
}
