package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/smartvitals/internal/platform/fhir"
)

// PatientSelection is the patient the session is working on.
type PatientSelection struct {
	PatientID string        `json:"patientId,omitempty"`
	Patient   *fhir.Patient `json:"patient,omitempty"`
	Loading   bool          `json:"loading"`
	Error     string        `json:"error,omitempty"`
}

// PatientStore keeps the PatientSelection of each session under
// KeyPatientState.
type PatientStore struct {
	storage Storage
}

func NewPatientStore(storage Storage) *PatientStore {
	return &PatientStore{storage: storage}
}

func (s *PatientStore) Selection(ctx context.Context) (PatientSelection, error) {
	sid := IDFromContext(ctx)
	if sid == "" {
		return PatientSelection{}, ErrNoSession
	}
	raw, err := s.storage.Get(ctx, sid, KeyPatientState)
	if errors.Is(err, ErrNotFound) {
		return PatientSelection{}, nil
	}
	if err != nil {
		return PatientSelection{}, fmt.Errorf("load patient state: %w", err)
	}
	var sel PatientSelection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return PatientSelection{}, nil
	}
	return sel, nil
}

func (s *PatientStore) update(ctx context.Context, fn func(*PatientSelection)) error {
	sel, err := s.Selection(ctx)
	if err != nil {
		return err
	}
	fn(&sel)
	raw, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("marshal patient state: %w", err)
	}
	if err := s.storage.Set(ctx, IDFromContext(ctx), KeyPatientState, string(raw)); err != nil {
		return fmt.Errorf("persist patient state: %w", err)
	}
	return nil
}

// SetPatientID selects a patient and marks it as loading.
func (s *PatientStore) SetPatientID(ctx context.Context, id string) error {
	return s.update(ctx, func(sel *PatientSelection) {
		sel.PatientID = id
		sel.Loading = true
	})
}

// SetPatient stores the fetched resource and clears loading and error.
func (s *PatientStore) SetPatient(ctx context.Context, p *fhir.Patient) error {
	return s.update(ctx, func(sel *PatientSelection) {
		sel.Patient = p
		sel.Loading = false
		sel.Error = ""
	})
}

func (s *PatientStore) SetError(ctx context.Context, msg string) error {
	return s.update(ctx, func(sel *PatientSelection) {
		sel.Error = msg
		sel.Loading = false
	})
}

func (s *PatientStore) Reset(ctx context.Context) error {
	sid := IDFromContext(ctx)
	if sid == "" {
		return ErrNoSession
	}
	if err := s.storage.Remove(ctx, sid, KeyPatientState); err != nil {
		return fmt.Errorf("reset patient state: %w", err)
	}
	return nil
}
