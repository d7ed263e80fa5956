package sandbox

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/fhir"
	"github.com/ehr/smartvitals/pkg/pagination"
)

// TokenVerifier validates bearer tokens presented to the FHIR server.
type TokenVerifier interface {
	VerifyAccessToken(raw string) (*AccessClaims, error)
}

// Store is the in-memory resource store behind FHIRServer.
type Store struct {
	mu           sync.RWMutex
	patients     map[string]*fhir.Patient
	observations map[string][]*fhir.Observation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		patients:     make(map[string]*fhir.Patient),
		observations: make(map[string][]*fhir.Observation),
	}
}

// PutPatient adds or replaces a patient.
func (s *Store) PutPatient(p *fhir.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

// Patient returns the patient with the given id.
func (s *Store) Patient(id string) (*fhir.Patient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	return p, ok
}

// PatientIDs returns every patient id in sorted order.
func (s *Store) PatientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.patients))
	for id := range s.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddObservation stores obs under the patient its subject references.
func (s *Store) AddObservation(obs *fhir.Observation) {
	pid := ""
	if obs.Subject != nil {
		pid = strings.TrimPrefix(obs.Subject.Reference, "Patient/")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations[pid] = append(s.observations[pid], obs)
}

// Observations returns the observations of a patient, newest first,
// optionally filtered by category code.
func (s *Store) Observations(patientID, category string) []*fhir.Observation {
	s.mu.RLock()
	all := s.observations[patientID]
	out := make([]*fhir.Observation, 0, len(all))
	for _, o := range all {
		if category == "" || hasCategory(o, category) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveDateTime > out[j].EffectiveDateTime
	})
	return out
}

func hasCategory(o *fhir.Observation, code string) bool {
	for i := range o.Category {
		if o.Category[i].HasCode("", code) {
			return true
		}
	}
	return false
}

// FHIRServer serves Patient reads and Observation search and create over
// a Store.
type FHIRServer struct {
	store    *Store
	verifier TokenVerifier
	logger   zerolog.Logger
	baseURL  string

	mu        sync.Mutex
	faultCode int
	faultLeft int
}

// NewFHIRServer creates a FHIR server. A nil verifier accepts any bearer
// token.
func NewFHIRServer(store *Store, verifier TokenVerifier, baseURL string, logger zerolog.Logger) *FHIRServer {
	return &FHIRServer{
		store:    store,
		verifier: verifier,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// InjectFault makes the next n Observation creates fail with status.
func (s *FHIRServer) InjectFault(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultCode = status
	s.faultLeft = n
}

func (s *FHIRServer) takeFault() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faultLeft <= 0 {
		return 0
	}
	s.faultLeft--
	return s.faultCode
}

// RegisterRoutes mounts the FHIR endpoints on g, typically the /fhir group.
func (s *FHIRServer) RegisterRoutes(g *echo.Group) {
	g.Use(s.requireBearer)
	g.GET("/Patient/:id", s.readPatient)
	g.GET("/Observation", s.searchObservations)
	g.POST("/Observation", s.createObservation)
}

// RegisterAdminRoutes mounts the fault injection endpoint on g.
func (s *FHIRServer) RegisterAdminRoutes(g *echo.Group) {
	g.POST("/faults", s.handleFault)
}

func (s *FHIRServer) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			return s.outcome(c, http.StatusUnauthorized, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeLogin, "bearer token required"))
		}
		if s.verifier == nil {
			return next(c)
		}
		claims, err := s.verifier.VerifyAccessToken(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			return s.outcome(c, http.StatusUnauthorized, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeLogin, "invalid access token: "+err.Error()))
		}
		c.Set("token_patient", claims.Patient)
		return next(c)
	}
}

// allowed enforces the patient compartment of a patient-scoped token.
func (s *FHIRServer) allowed(c echo.Context, patientID string) bool {
	scoped, _ := c.Get("token_patient").(string)
	return scoped == "" || scoped == patientID
}

func (s *FHIRServer) outcome(c echo.Context, status int, oo *fhir.OperationOutcome) error {
	return c.JSON(status, oo)
}

func (s *FHIRServer) readPatient(c echo.Context) error {
	id := c.Param("id")
	if !s.allowed(c, id) {
		return s.outcome(c, http.StatusForbidden, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeProcessing, "token is not scoped to Patient/"+id))
	}
	p, ok := s.store.Patient(id)
	if !ok {
		return s.outcome(c, http.StatusNotFound, fhir.NotFoundOutcome("Patient", id))
	}
	return c.JSON(http.StatusOK, p)
}

func (s *FHIRServer) searchObservations(c echo.Context) error {
	pid := strings.TrimPrefix(c.QueryParam("patient"), "Patient/")
	if pid == "" {
		pid = strings.TrimPrefix(c.QueryParam("subject"), "Patient/")
	}
	if pid == "" {
		return s.outcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeRequired, "patient search parameter is required"))
	}
	if !s.allowed(c, pid) {
		return s.outcome(c, http.StatusForbidden, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeProcessing, "token is not scoped to Patient/"+pid))
	}

	obs := s.store.Observations(pid, c.QueryParam("category"))
	page := pagination.FromContext(c)
	start, end := page.Bounds(len(obs))

	resources := make([]interface{}, 0, end-start)
	for _, o := range obs[start:end] {
		resources = append(resources, o)
	}
	bundle, err := fhir.NewSearchBundle(resources, s.baseURL)
	if err != nil {
		return s.outcome(c, http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	total := len(obs)
	bundle.Total = &total
	for _, l := range page.Links(s.baseURL+"/Observation", c.QueryParams(), total) {
		bundle.Link = append(bundle.Link, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return c.JSON(http.StatusOK, bundle)
}

func (s *FHIRServer) createObservation(c echo.Context) error {
	if status := s.takeFault(); status != 0 {
		s.logger.Debug().Int("status", status).Msg("sandbox injecting fault")
		return s.outcome(c, status, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeTimeout, "injected fault"))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("reading body: "+err.Error()))
	}
	var obs fhir.Observation
	if err := json.Unmarshal(body, &obs); err != nil {
		return s.outcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "malformed Observation: "+err.Error()))
	}
	if obs.ResourceType != "Observation" {
		return s.outcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "resourceType must be Observation"))
	}
	if obs.Subject == nil || !strings.HasPrefix(obs.Subject.Reference, "Patient/") {
		return s.outcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeRequired, "subject must reference a Patient"))
	}
	pid := strings.TrimPrefix(obs.Subject.Reference, "Patient/")
	if !s.allowed(c, pid) {
		return s.outcome(c, http.StatusForbidden, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeProcessing, "token is not scoped to Patient/"+pid))
	}
	if _, ok := s.store.Patient(pid); !ok {
		return s.outcome(c, http.StatusUnprocessableEntity, fhir.NotFoundOutcome("Patient", pid))
	}

	now := time.Now().UTC()
	obs.ID = uuid.NewString()
	obs.Meta = &fhir.Meta{VersionID: "1", LastUpdated: &now}
	s.store.AddObservation(&obs)

	c.Response().Header().Set("Location", s.baseURL+"/Observation/"+obs.ID+"/_history/1")
	return c.JSON(http.StatusCreated, &obs)
}

func (s *FHIRServer) handleFault(c echo.Context) error {
	var req struct {
		Status int `json:"status"`
		Count  int `json:"count"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Status == 0 {
		req.Status = http.StatusGatewayTimeout
	}
	if req.Status < 400 || req.Status > 599 || req.Count < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be 4xx or 5xx and count non-negative")
	}
	s.InjectFault(req.Status, req.Count)
	return c.JSON(http.StatusOK, req)
}
