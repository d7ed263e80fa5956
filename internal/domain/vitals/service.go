package vitals

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/fhir"
	"github.com/ehr/smartvitals/internal/platform/session"
)

// ErrNoPatient is returned when no patient id was given and the session has
// none selected.
var ErrNoPatient = errors.New("no patient selected")

// PatientStore is the session patient selection the service reads and
// updates.
type PatientStore interface {
	Selection(ctx context.Context) (session.PatientSelection, error)
	SetPatientID(ctx context.Context, id string) error
	SetPatient(ctx context.Context, p *fhir.Patient) error
	SetError(ctx context.Context, msg string) error
}

// FHIRClient is implemented by *Client.
type FHIRClient interface {
	GetPatient(ctx context.Context, id string) (*fhir.Patient, error)
	GetPatientVitals(ctx context.Context, patientID string) ([]*fhir.Observation, error)
	AddVital(ctx context.Context, req VitalObservationRequest) (*fhir.Observation, error)
}

// Service resolves the patient a request is about and keeps the session's
// patient selection in step with what was fetched.
type Service struct {
	client   FHIRClient
	patients PatientStore
	logger   zerolog.Logger
}

func NewService(client FHIRClient, patients PatientStore, logger zerolog.Logger) *Service {
	return &Service{client: client, patients: patients, logger: logger}
}

// ResolvePatientID returns id when set, otherwise the selected patient.
func (s *Service) ResolvePatientID(ctx context.Context, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	sel, err := s.patients.Selection(ctx)
	if err != nil {
		return "", err
	}
	if sel.PatientID == "" {
		return "", ErrNoPatient
	}
	return sel.PatientID, nil
}

// LoadPatient fetches a patient and records it, or the failure, as the
// session's selection.
func (s *Service) LoadPatient(ctx context.Context, id string) (*fhir.Patient, error) {
	pid, err := s.ResolvePatientID(ctx, id)
	if err != nil {
		return nil, err
	}

	sel, err := s.patients.Selection(ctx)
	if err != nil {
		return nil, err
	}
	if sel.PatientID != pid {
		if err := s.patients.SetPatientID(ctx, pid); err != nil {
			return nil, err
		}
	}

	p, err := s.client.GetPatient(ctx, pid)
	if err != nil {
		var lre *session.LoginRequiredError
		if !errors.As(err, &lre) {
			if serr := s.patients.SetError(ctx, err.Error()); serr != nil {
				s.logger.Warn().Err(serr).Msg("failed to record patient error")
			}
		}
		return nil, err
	}

	if err := s.patients.SetPatient(ctx, p); err != nil {
		return nil, fmt.Errorf("store patient: %w", err)
	}
	return p, nil
}

// ListVitals returns the vital signs of the given or selected patient.
func (s *Service) ListVitals(ctx context.Context, id string) ([]*fhir.Observation, error) {
	pid, err := s.ResolvePatientID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.client.GetPatientVitals(ctx, pid)
}

// RecordVital validates and creates an observation. An empty PatientID
// defaults to the selected patient.
func (s *Service) RecordVital(ctx context.Context, req VitalObservationRequest) (*fhir.Observation, error) {
	if req.PatientID == "" {
		sel, err := s.patients.Selection(ctx)
		if err != nil {
			return nil, err
		}
		req.PatientID = sel.PatientID
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	obs, err := s.client.AddVital(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("patient_id", req.PatientID).
		Str("type", string(req.Type)).
		Str("observation_id", obs.ID).
		Msg("vital recorded")
	return obs, nil
}
