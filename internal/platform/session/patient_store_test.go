package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/smartvitals/internal/platform/fhir"
)

func TestPatientStore_Lifecycle(t *testing.T) {
	store := NewPatientStore(NewMemoryStorage(time.Hour))
	ctx := NewContext(context.Background(), "sid-p")

	sel, err := store.Selection(ctx)
	if err != nil {
		t.Fatalf("Selection: %v", err)
	}
	if sel.PatientID != "" || sel.Loading {
		t.Errorf("expected empty selection, got %+v", sel)
	}

	if err := store.SetPatientID(ctx, "12724066"); err != nil {
		t.Fatalf("SetPatientID: %v", err)
	}
	sel, _ = store.Selection(ctx)
	if sel.PatientID != "12724066" || !sel.Loading {
		t.Errorf("expected loading selection, got %+v", sel)
	}

	store.SetError(ctx, "fetch failed")
	sel, _ = store.Selection(ctx)
	if sel.Loading || sel.Error != "fetch failed" {
		t.Errorf("expected error state, got %+v", sel)
	}

	p := &fhir.Patient{ResourceType: "Patient", ID: "12724066", Name: []fhir.HumanName{{Family: "Smart"}}}
	if err := store.SetPatient(ctx, p); err != nil {
		t.Fatalf("SetPatient: %v", err)
	}
	sel, _ = store.Selection(ctx)
	if sel.Loading || sel.Error != "" {
		t.Errorf("expected loaded state, got %+v", sel)
	}
	if sel.Patient == nil || sel.Patient.ID != "12724066" || sel.PatientID != "12724066" {
		t.Errorf("unexpected patient %+v", sel)
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	sel, _ = store.Selection(ctx)
	if sel.PatientID != "" || sel.Patient != nil {
		t.Errorf("expected reset selection, got %+v", sel)
	}
}

func TestPatientStore_NoSession(t *testing.T) {
	store := NewPatientStore(NewMemoryStorage(time.Hour))
	if err := store.SetPatientID(context.Background(), "x"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}
