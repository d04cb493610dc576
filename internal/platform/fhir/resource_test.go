package fhir

import (
	"encoding/json"
	"testing"
)

func TestOperationOutcome_JSONSerialization(t *testing.T) {
	o := NewErrorOutcome(MissingRequiredHeaderError("Missing required header 'X-Request-Id'"))

	data, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if parsed["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", parsed["resourceType"])
	}
	meta, ok := parsed["meta"].(map[string]interface{})
	if !ok {
		t.Fatal("expected meta object")
	}
	profiles, _ := meta["profile"].([]interface{})
	if len(profiles) != 1 || profiles[0] != OperationOutcomeProfile {
		t.Errorf("expected UK Core profile, got %v", meta["profile"])
	}

	issues, _ := parsed["issue"].([]interface{})
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %v", parsed["issue"])
	}
	issue := issues[0].(map[string]interface{})
	if issue["severity"] != "error" || issue["code"] != "required" {
		t.Errorf("unexpected issue %v", issue)
	}
	if _, ok := issue["expression"]; ok {
		t.Error("expected empty expression to be omitted")
	}
}

func TestCoding_JSON(t *testing.T) {
	c := Coding{
		System:  HTTPErrorCodesSystem,
		Code:    "REC_UNAVAILABLE",
		Display: "503: The Receiver is currently unavailable.",
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var parsed Coding
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if parsed != c {
		t.Errorf("expected %+v, got %+v", c, parsed)
	}
}

func TestCodeableConcept_OmitsEmpty(t *testing.T) {
	data, err := json.Marshal(CodeableConcept{})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("expected empty object, got %s", data)
	}
}
