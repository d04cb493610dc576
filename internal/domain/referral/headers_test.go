package referral

import (
	"net/http"
	"testing"
)

func TestCheckHeaders_Valid(t *testing.T) {
	if failures := CheckHeaders(validHeaders()); len(failures) != 0 {
		t.Fatalf("expected no failures, got %+v", failures)
	}
}

func TestCheckHeaders_AllMissing(t *testing.T) {
	failures := CheckHeaders(RequestHeaders{})

	want := []string{
		HeaderTargetIdentifier,
		HeaderEndUserOrganisation,
		HeaderRequestingSoftware,
		HeaderRequestID,
		HeaderCorrelationID,
		HeaderUseContext,
		HeaderAccept,
	}
	if len(failures) != len(want) {
		t.Fatalf("expected %d failures, got %d: %+v", len(want), len(failures), failures)
	}
	for i, name := range want {
		if failures[i].Field != name {
			t.Errorf("failure %d: field = %s, want %s", i, failures[i].Field, name)
		}
		if failures[i].Code != CodeMissingRequiredHeader {
			t.Errorf("failure %d: code = %s, want %s", i, failures[i].Code, CodeMissingRequiredHeader)
		}
	}
}

func TestCheckHeaders_EachMissingHeader(t *testing.T) {
	tests := []struct {
		header string
		clear  func(*RequestHeaders)
	}{
		{HeaderTargetIdentifier, func(h *RequestHeaders) { h.TargetIdentifier = "" }},
		{HeaderEndUserOrganisation, func(h *RequestHeaders) { h.EndUserOrganisation = "" }},
		{HeaderRequestingSoftware, func(h *RequestHeaders) { h.RequestingSoftware = "" }},
		{HeaderRequestID, func(h *RequestHeaders) { h.RequestID = "" }},
		{HeaderCorrelationID, func(h *RequestHeaders) { h.CorrelationID = "" }},
		{HeaderUseContext, func(h *RequestHeaders) { h.UseContext = "  " }},
		{HeaderAccept, func(h *RequestHeaders) { h.Accept = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			h := validHeaders()
			tt.clear(&h)

			failures := CheckHeaders(h)
			if len(failures) != 1 {
				t.Fatalf("expected 1 failure, got %+v", failures)
			}
			want := "Missing required header '" + tt.header + "'"
			if failures[0].Message != want {
				t.Errorf("message = %q, want %q", failures[0].Message, want)
			}
		})
	}
}

func TestCheckHeaders_RequestingPractitionerIsOptional(t *testing.T) {
	h := validHeaders()
	h.RequestingPractitioner = ""
	if failures := CheckHeaders(h); len(failures) != 0 {
		t.Fatalf("expected no failures, got %+v", failures)
	}

	h.RequestingPractitioner = encode(`{"resourceType":"PractitionerRole","id":"role-1"}`)
	if failures := CheckHeaders(h); len(failures) != 0 {
		t.Fatalf("expected no failures for a valid practitioner role, got %+v", failures)
	}

	h.RequestingPractitioner = "not base64!"
	failures := CheckHeaders(h)
	if len(failures) != 1 || failures[0].Code != CodeInvalidHeader {
		t.Fatalf("expected one invalid header failure, got %+v", failures)
	}
}

func TestCheckHeaders_InvalidFormats(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RequestHeaders)
		message string
	}{
		{
			"guid",
			func(h *RequestHeaders) { h.RequestID = "not-a-guid" },
			"Header 'X-Request-Id' is not a valid GUID",
		},
		{
			"correlation guid",
			func(h *RequestHeaders) { h.CorrelationID = "12345" },
			"Header 'X-Correlation-Id' is not a valid GUID",
		},
		{
			"not base64",
			func(h *RequestHeaders) { h.TargetIdentifier = "%%%" },
			"Header 'NHSD-Target-Identifier' is not a valid 'Identifier' encoded FHIR object",
		},
		{
			"not an object",
			func(h *RequestHeaders) { h.TargetIdentifier = encode(`["a"]`) },
			"Header 'NHSD-Target-Identifier' is not a valid 'Identifier' encoded FHIR object",
		},
		{
			"null",
			func(h *RequestHeaders) { h.TargetIdentifier = encode(`null`) },
			"Header 'NHSD-Target-Identifier' is not a valid 'Identifier' encoded FHIR object",
		},
		{
			"unknown member",
			func(h *RequestHeaders) { h.TargetIdentifier = encode(`{"colour":"blue"}`) },
			"Header 'NHSD-Target-Identifier' is not a valid 'Identifier' encoded FHIR object",
		},
		{
			"wrong resource type",
			func(h *RequestHeaders) { h.EndUserOrganisation = encode(`{"resourceType":"Device"}`) },
			"Header 'NHSD-End-User-Organisation' is not a valid 'Organization' encoded FHIR object",
		},
		{
			"software",
			func(h *RequestHeaders) { h.RequestingSoftware = encode(`{"resourceType":"Device","name":"x"}`) },
			"Header 'NHSD-Requesting-Software' is not a valid 'Device' encoded FHIR object",
		},
		{
			"use-context",
			func(h *RequestHeaders) { h.UseContext = "a||b" },
			"Header 'use-context' has wrong format. Expected: value1|value2",
		},
		{
			"accept without version",
			func(h *RequestHeaders) { h.Accept = "application/fhir+json" },
			"Header 'Accept' has wrong format. Expected: application/fhir+json; version=1.2.0",
		},
		{
			"accept other media type",
			func(h *RequestHeaders) { h.Accept = "application/json; version=1.2.0" },
			"Header 'Accept' has wrong format. Expected: application/fhir+json; version=1.2.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHeaders()
			tt.mutate(&h)

			failures := CheckHeaders(h)
			if len(failures) != 1 {
				t.Fatalf("expected 1 failure, got %+v", failures)
			}
			if failures[0].Code != CodeInvalidHeader {
				t.Errorf("code = %s, want %s", failures[0].Code, CodeInvalidHeader)
			}
			if failures[0].Message != tt.message {
				t.Errorf("message = %q, want %q", failures[0].Message, tt.message)
			}
		})
	}
}

func TestCheckHeaders_AcceptVariants(t *testing.T) {
	for _, accept := range []string{
		"application/fhir+json; version=1.2.0",
		"application/fhir+json;version=1",
		"APPLICATION/FHIR+JSON; VERSION=1.2",
		"version=1.2.0; application/fhir+json",
	} {
		h := validHeaders()
		h.Accept = accept
		if failures := CheckHeaders(h); len(failures) != 0 {
			t.Errorf("Accept %q: expected no failures, got %+v", accept, failures)
		}
	}
}

func TestCheckHeaders_CollectsEveryFailure(t *testing.T) {
	h := validHeaders()
	h.RequestID = ""
	h.CorrelationID = "bad"
	h.UseContext = "|"

	failures := CheckHeaders(h)
	if len(failures) != 3 {
		t.Fatalf("expected 3 failures, got %+v", failures)
	}
	if failures[0].Code != CodeMissingRequiredHeader {
		t.Errorf("expected missing header first, got %s", failures[0].Code)
	}
}

func TestHeadersFromHTTP_RoundTrip(t *testing.T) {
	in := validHTTPHeaders()
	in.Set("X-Unrelated", "ignored")

	h := HeadersFromHTTP(in)
	if h != validHeaders() {
		t.Fatalf("captured headers differ: %+v", h)
	}

	out := h.Forward()
	if got := out.Get(HeaderAccept); got != "application/fhir+json" {
		t.Errorf("forwarded Accept = %q, want application/fhir+json", got)
	}
	if got := out.Get(HeaderRequestID); got != testRequestID {
		t.Errorf("forwarded X-Request-Id = %q", got)
	}
	if out.Get("X-Unrelated") != "" {
		t.Error("expected unrelated headers to be dropped")
	}
	if _, ok := out[http.CanonicalHeaderKey(HeaderRequestingPractitioner)]; ok {
		t.Error("expected empty optional header to be omitted")
	}
}
