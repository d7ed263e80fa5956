// Package sandbox provides a self-contained SMART authorization server and
// FHIR server with synthetic patients and vital signs, for local development
// and tests.
package sandbox

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ehr/smartvitals/internal/platform/fhir"
	"github.com/ehr/smartvitals/pkg/fhirmodels"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	PatientCount     int   `json:"patientCount"`
	VitalsPerPatient int   `json:"vitalsPerPatient"`
	Seed             int64 `json:"seed"`
}

// DefaultSeedConfig returns a small data set suitable for a demo.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:     5,
		VitalsPerPatient: 12,
		Seed:             1,
	}
}

// SeedResult summarizes a Seed run.
type SeedResult struct {
	PatientIDs   []string      `json:"patientIds"`
	Observations int           `json:"observations"`
	Duration     time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Code pools
// ---------------------------------------------------------------------------

type vitalDef struct {
	code     string
	display  string
	unit     string
	ucum     string
	low      float64
	high     float64
	decimals int
}

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Charles", "Daniel", "Matthew", "Anthony", "Mark",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Nancy", "Margaret", "Emily",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Wilson", "Anderson",
		"Taylor", "Moore", "Jackson", "Martin", "Lee", "Thompson",
	}
	cities = []string{"Kansas City", "Chicago", "Houston", "Phoenix", "Columbus", "Denver"}
	states = []string{"MO", "IL", "TX", "AZ", "OH", "CO"}

	vitalDefs = []vitalDef{
		{fhirmodels.LOINCHeartRateSitting, "Heart rate --sitting", "bpm", fhirmodels.UCUMBeatsPerMinute, 55, 105, 0},
		{fhirmodels.LOINCRespiratoryRate, "Respiratory rate", "bpm", fhirmodels.UCUMPerMinute, 12, 22, 0},
		{fhirmodels.LOINCOralTemperature, "Oral temperature", "degC", fhirmodels.UCUMCelsius, 36.1, 38.2, 1},
		{fhirmodels.LOINCOxygenSaturation, "Oxygen saturation in Arterial blood by Pulse oximetry", "%", fhirmodels.UCUMPercent, 0.92, 1.0, 2},
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic patients and vital signs.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
	now     time.Time
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now().UTC().Truncate(time.Hour),
	}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) between(low, high float64, decimals int) float64 {
	v := low + g.rng.Float64()*(high-low)
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func (g *DataGenerator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// GeneratePatient produces a Patient with an official name, a home address
// and an MRN.
func (g *DataGenerator) GeneratePatient() *fhir.Patient {
	gender := "female"
	first := g.pick(firstNamesFemale)
	if g.rng.Intn(2) == 0 {
		gender = "male"
		first = g.pick(firstNamesMale)
	}
	last := g.pick(lastNames)
	city := g.rng.Intn(len(cities))

	return &fhir.Patient{
		ResourceType: "Patient",
		ID:           g.nextID("pat"),
		Active:       fhir.Bool(true),
		Identifier: []fhir.Identifier{{
			Use: "usual",
			Type: &fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/v2-0203",
				Code:   "MR",
			}}},
			System: "urn:oid:2.16.840.1.113883.6.1000",
			Value:  fmt.Sprintf("MRN-%08d", g.rng.Intn(100000000)),
		}},
		Name: []fhir.HumanName{{
			Use:    "official",
			Family: last,
			Given:  []string{first},
		}},
		Gender:    gender,
		BirthDate: g.randomDate(1940, 2010),
		Address: []fhir.Address{{
			Use:     "home",
			Line:    []string{fmt.Sprintf("%d Main St", 100+g.rng.Intn(900))},
			City:    cities[city],
			State:   states[city],
			Country: "US",
		}},
		Telecom: []fhir.ContactPoint{{
			System: "phone",
			Value:  fmt.Sprintf("(%03d) %03d-%04d", 200+g.rng.Intn(800), 200+g.rng.Intn(800), g.rng.Intn(10000)),
			Use:    "home",
		}},
	}
}

func vitalSignsCategory() []fhir.CodeableConcept {
	return []fhir.CodeableConcept{{
		Coding: []fhir.Coding{{
			System:  fhirmodels.SystemObservationCategory,
			Code:    fhirmodels.ObsCategoryVitalSigns,
			Display: "Vital Signs",
		}},
		Text: "Vital Signs",
	}}
}

// GenerateVital produces a vital-sign Observation for patientID taken hoursAgo
// hours before the generator's reference time. Every fifth one is a blood
// pressure panel.
func (g *DataGenerator) GenerateVital(patientID string, hoursAgo int) *fhir.Observation {
	obs := fhir.NewObservation()
	obs.ID = g.nextID("obs")
	obs.Status = fhirmodels.ObsStatusFinal
	obs.Category = vitalSignsCategory()
	obs.Subject = &fhir.Reference{Reference: "Patient/" + patientID}
	obs.EffectiveDateTime = g.now.Add(-time.Duration(hoursAgo) * time.Hour).Format("2006-01-02T15:04:05.000Z")

	if g.counter%5 == 0 {
		obs.Code = fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhirmodels.SystemLOINC, Code: fhirmodels.LOINCBloodPressurePanel, Display: "Blood pressure panel with all children optional"}},
			Text:   "Blood pressure",
		}
		for _, part := range []struct {
			code, display string
			low, high     float64
		}{
			{fhirmodels.LOINCSystolic, "Systolic blood pressure", 100, 160},
			{fhirmodels.LOINCDiastolic, "Diastolic blood pressure", 60, 100},
		} {
			obs.Component = append(obs.Component, fhir.ObservationComponent{
				Code: fhir.CodeableConcept{
					Coding: []fhir.Coding{{System: fhirmodels.SystemLOINC, Code: part.code, Display: part.display}},
					Text:   part.display,
				},
				ValueQuantity: &fhir.Quantity{
					Value:  fhir.Float(g.between(part.low, part.high, 0)),
					Unit:   "mmHg",
					System: fhirmodels.SystemUCUM,
					Code:   fhirmodels.UCUMMillimeterMercury,
				},
			})
		}
		return obs
	}

	def := vitalDefs[g.rng.Intn(len(vitalDefs))]
	obs.Code = fhir.CodeableConcept{
		Coding: []fhir.Coding{{System: fhirmodels.SystemLOINC, Code: def.code, Display: def.display}},
		Text:   def.display,
	}
	obs.ValueQuantity = &fhir.Quantity{
		Value:  fhir.Float(g.between(def.low, def.high, def.decimals)),
		Unit:   def.unit,
		System: fhirmodels.SystemUCUM,
		Code:   def.ucum,
	}
	return obs
}

// Seed fills store with cfg.PatientCount patients and their vital signs.
func Seed(store *Store, cfg SeedConfig) SeedResult {
	start := time.Now()
	g := NewDataGenerator(cfg.Seed)

	res := SeedResult{PatientIDs: make([]string, 0, cfg.PatientCount)}
	for i := 0; i < cfg.PatientCount; i++ {
		p := g.GeneratePatient()
		store.PutPatient(p)
		res.PatientIDs = append(res.PatientIDs, p.ID)

		for j := 0; j < cfg.VitalsPerPatient; j++ {
			store.AddObservation(g.GenerateVital(p.ID, j*4))
			res.Observations++
		}
	}
	res.Duration = time.Since(start)
	return res
}
