package referral

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

var (
	useContextPattern = regexp.MustCompile(`^[A-Za-z0-9-]+(\|[A-Za-z0-9-]+)*$`)
	acceptPattern     = regexp.MustCompile(`(?i)^\s*(application/fhir\+json\s*;\s*version=\d+(\.\d+)*|version=\d+(\.\d+)*\s*;\s*application/fhir\+json)\s*$`)
)

// Example values quoted in format failures.
const (
	useContextExample = "value1|value2"
	acceptExample     = "application/fhir+json; version=1.2.0"
)

// headerCheck validates one header: presence first, then format. A presence
// failure skips the format check for that header only.
type headerCheck struct {
	name     string
	value    string
	required bool
	format   func(name, value string) string
}

// CheckHeaders validates every header independently and returns all failures.
func CheckHeaders(h RequestHeaders) []ValidationFailure {
	checks := []headerCheck{
		{HeaderTargetIdentifier, h.TargetIdentifier, true, encodedResource("Identifier", decodeIdentifier)},
		{HeaderEndUserOrganisation, h.EndUserOrganisation, true, encodedResource("Organization", decodeOrganization)},
		{HeaderRequestingSoftware, h.RequestingSoftware, true, encodedResource("Device", decodeDevice)},
		{HeaderRequestingPractitioner, h.RequestingPractitioner, false, encodedResource("PractitionerRole", decodePractitionerRole)},
		{HeaderRequestID, h.RequestID, true, guidFormat},
		{HeaderCorrelationID, h.CorrelationID, true, guidFormat},
		{HeaderUseContext, h.UseContext, true, patternFormat(useContextPattern, useContextExample)},
		{HeaderAccept, h.Accept, true, patternFormat(acceptPattern, acceptExample)},
	}

	var failures []ValidationFailure
	for _, c := range checks {
		if strings.TrimSpace(c.value) == "" {
			if c.required {
				failures = append(failures, ValidationFailure{
					Field:   c.name,
					Message: fmt.Sprintf("Missing required header '%s'", c.name),
					Code:    CodeMissingRequiredHeader,
				})
			}
			continue
		}
		if msg := c.format(c.name, c.value); msg != "" {
			failures = append(failures, ValidationFailure{Field: c.name, Message: msg, Code: CodeInvalidHeader})
		}
	}
	return failures
}

func guidFormat(name, value string) string {
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Sprintf("Header '%s' is not a valid GUID", name)
	}
	return ""
}

func patternFormat(re *regexp.Regexp, example string) func(name, value string) string {
	return func(name, value string) string {
		if !re.MatchString(value) {
			return fmt.Sprintf("Header '%s' has wrong format. Expected: %s", name, example)
		}
		return ""
	}
}

func encodedResource(typeName string, decode func([]byte) error) func(name, value string) string {
	return func(name, value string) string {
		if err := decodeEncodedResource(value, typeName, decode); err != nil {
			return fmt.Sprintf("Header '%s' is not a valid '%s' encoded FHIR object", name, typeName)
		}
		return ""
	}
}

// decodeEncodedResource decodes standard base64, requires a JSON object, checks
// resourceType when present and strictly decodes the rest into the FHIR type.
func decodeEncodedResource(value, typeName string, decode func([]byte) error) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("base64: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("json object: %w", err)
	}
	if obj == nil {
		return fmt.Errorf("json object: null")
	}

	if rt, ok := obj["resourceType"]; ok {
		var got string
		if err := json.Unmarshal(rt, &got); err != nil || got != typeName {
			return fmt.Errorf("resourceType %s, want %s", rt, typeName)
		}
		delete(obj, "resourceType")
	}

	stripped, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return decode(stripped)
}

func strictDecode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func decodeIdentifier(b []byte) error {
	var v r4.Identifier
	return strictDecode(b, &v)
}

func decodeOrganization(b []byte) error {
	var v r4.Organization
	return strictDecode(b, &v)
}

func decodeDevice(b []byte) error {
	var v r4.Device
	return strictDecode(b, &v)
}

func decodePractitionerRole(b []byte) error {
	var v r4.PractitionerRole
	return strictDecode(b, &v)
}
