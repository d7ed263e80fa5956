package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, "upstream timed out")

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(oo.Issue))
	}
	if oo.Issue[0].Severity != "error" || oo.Issue[0].Code != "timeout" || oo.Issue[0].Diagnostics != "upstream timed out" {
		t.Errorf("unexpected issue %+v", oo.Issue[0])
	}

	data, _ := json.Marshal(oo)
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	issue := raw["issue"].([]interface{})[0].(map[string]interface{})
	if _, ok := issue["details"]; ok {
		t.Error("expected details to be omitted when unset")
	}
}

func TestErrorOutcome(t *testing.T) {
	oo := ErrorOutcome("boom")
	if oo.Issue[0].Severity != IssueSeverityError || oo.Issue[0].Code != IssueTypeProcessing {
		t.Errorf("unexpected outcome %+v", oo)
	}
}

func TestNotFoundOutcome(t *testing.T) {
	oo := NotFoundOutcome("Patient", "123")
	if oo.Issue[0].Code != IssueTypeNotFound {
		t.Error("expected not-found code")
	}
	if oo.Issue[0].Diagnostics != "Patient/123 not found" {
		t.Errorf("unexpected diagnostics: %s", oo.Issue[0].Diagnostics)
	}
}

func TestParseOperationOutcome(t *testing.T) {
	oo := ParseOperationOutcome([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"timeout","diagnostics":"upstream timed out"},{"severity":"error","code":"processing"}]}`))
	if oo == nil {
		t.Fatal("expected OperationOutcome")
	}
	if len(oo.Issue) != 2 {
		t.Errorf("expected 2 issues, got %d", len(oo.Issue))
	}

	if ParseOperationOutcome([]byte("<html>Gateway Timeout</html>")) != nil {
		t.Error("expected nil for non-JSON body")
	}
	if ParseOperationOutcome([]byte(`{"resourceType":"Patient"}`)) != nil {
		t.Error("expected nil for other resource types")
	}
}

func TestOperationOutcome_Summary(t *testing.T) {
	tests := []struct {
		name string
		oo   *OperationOutcome
		want string
	}{
		{"nil", nil, ""},
		{"diagnostics", NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "bad value"), "bad value"},
		{"details text", &OperationOutcome{Issue: []OperationOutcomeIssue{{Code: "invalid", Details: &CodeableConcept{Text: "unknown code"}}}}, "unknown code"},
		{"code only", &OperationOutcome{Issue: []OperationOutcomeIssue{{Code: "timeout"}, {Code: "processing", Diagnostics: "retry later"}}}, "timeout; retry later"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.oo.Summary(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
