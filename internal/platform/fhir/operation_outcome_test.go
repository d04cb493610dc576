package fhir

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestNewOutcomeBuilder_StampsIDAndProfile(t *testing.T) {
	oo := NewOutcomeBuilder().Build()

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", oo.ResourceType)
	}
	if _, err := uuid.Parse(oo.ID); err != nil {
		t.Errorf("expected uuid id, got %q", oo.ID)
	}
	if oo.Meta == nil || len(oo.Meta.Profile) != 1 || oo.Meta.Profile[0] != OperationOutcomeProfile {
		t.Errorf("expected UK Core profile, got %+v", oo.Meta)
	}
	if oo.Issue == nil {
		t.Error("expected non-nil issue slice")
	}
}

func TestEmptyOutcome_SerializesEmptyIssueArray(t *testing.T) {
	data, err := json.Marshal(EmptyOutcome())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	issues, ok := raw["issue"].([]interface{})
	if !ok || len(issues) != 0 {
		t.Errorf("expected empty issue array, got %v", raw["issue"])
	}
}

func TestNewErrorOutcome_PreservesOrder(t *testing.T) {
	oo := NewErrorOutcome(
		MissingRequiredHeaderError("first"),
		InvalidHeaderError("second"),
		InvalidBundleError("third"),
	)
	if len(oo.Issue) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(oo.Issue))
	}
	for i, want := range []string{"first", "second", "third"} {
		if oo.Issue[i].Diagnostics != want {
			t.Errorf("issue %d: expected %q, got %q", i, want, oo.Issue[i].Diagnostics)
		}
	}
}

func TestHasErrors(t *testing.T) {
	tests := []struct {
		name     string
		severity string
		want     bool
	}{
		{"fatal", IssueSeverityFatal, true},
		{"error", IssueSeverityError, true},
		{"warning", IssueSeverityWarning, false},
		{"information", IssueSeverityInformation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oo := NewOutcomeBuilder().AddIssue(OperationOutcomeIssue{Severity: tt.severity, Code: IssueTypeInvalid}).Build()
			if got := oo.HasErrors(); got != tt.want {
				t.Errorf("HasErrors() = %v, want %v", got, tt.want)
			}
		})
	}

	var nilOutcome *OperationOutcome
	if nilOutcome.HasErrors() {
		t.Error("expected nil outcome to have no errors")
	}
}

func TestErrorIssues_FiltersWarnings(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddIssue(OperationOutcomeIssue{Severity: IssueSeverityWarning, Diagnostics: "w"}).
		AddIssue(OperationOutcomeIssue{Severity: IssueSeverityError, Diagnostics: "e"}).
		AddIssue(OperationOutcomeIssue{Severity: IssueSeverityFatal, Diagnostics: "f"}).
		Build()

	got := oo.ErrorIssues()
	if len(got) != 2 || got[0].Diagnostics != "e" || got[1].Diagnostics != "f" {
		t.Errorf("unexpected error issues: %+v", got)
	}
}
