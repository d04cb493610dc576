package referral

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/wccg/ereferrals/internal/platform/fhir"
)

// ---- Headers ----

const (
	testRequestID     = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	testCorrelationID = "9b2c1c4e-4a0f-4d7e-8f51-0c3d2a1b5e77"
	testReferralID    = "5d0b6f0e-2f43-4a55-9a3d-6f1f2b1c8e11"
)

func encode(v string) string {
	return base64.StdEncoding.EncodeToString([]byte(v))
}

func validHeaders() RequestHeaders {
	return RequestHeaders{
		TargetIdentifier:    encode(`{"system":"https://fhir.nhs.uk/Id/dos-service-id","value":"2000072489"}`),
		EndUserOrganisation: encode(`{"resourceType":"Organization","identifier":[{"system":"https://fhir.nhs.uk/Id/ods-organization-code","value":"W91001"}]}`),
		RequestingSoftware:  encode(`{"resourceType":"Device","identifier":[{"system":"https://consumersupplier.com/Id/device-identifier","value":"CONS-APP-4"}]}`),
		RequestID:           testRequestID,
		CorrelationID:       testCorrelationID,
		UseContext:          "a-use-context|b-use-context",
		Accept:              "application/fhir+json; version=1.2.0",
	}
}

func validHTTPHeaders() http.Header {
	h := validHeaders()
	out := http.Header{}
	out.Set(HeaderTargetIdentifier, h.TargetIdentifier)
	out.Set(HeaderEndUserOrganisation, h.EndUserOrganisation)
	out.Set(HeaderRequestingSoftware, h.RequestingSoftware)
	out.Set(HeaderRequestID, h.RequestID)
	out.Set(HeaderCorrelationID, h.CorrelationID)
	out.Set(HeaderUseContext, h.UseContext)
	out.Set(HeaderAccept, h.Accept)
	return out
}

// ---- Bundles ----

type resource map[string]interface{}

func referralResources() []resource {
	return []resource{
		{"resourceType": "MessageHeader", "id": "message-header"},
		{
			"resourceType": "ServiceRequest",
			"id":           "service-request",
			"subject":      map[string]string{"reference": "Patient/patient"},
			"requester":    map[string]string{"reference": "Practitioner/RequestingPractitioner"},
		},
		{
			"resourceType": "Patient",
			"id":           "patient",
			"identifier":   []map[string]string{{"system": "https://fhir.nhs.uk/Id/nhs-number", "value": "9449304130"}},
		},
		{
			"resourceType": "Encounter",
			"id":           "encounter",
			"subject":      map[string]string{"reference": "Patient/patient"},
		},
		{"resourceType": "CarePlan", "id": "care-plan"},
		{"resourceType": "HealthcareService", "id": "healthcare-service"},
		{"resourceType": "Organization", "id": "DhaCode"},
		{
			"resourceType": "Organization",
			"id":           "referring-practice",
			"meta":         map[string][]string{"profile": {"https://fhir.wales.nhs.uk/StructureDefinition/ReferringPractice"}},
		},
		{"resourceType": "Practitioner", "id": "RequestingPractitioner"},
		{"resourceType": "PractitionerRole", "id": "practitioner-role"},
		{"resourceType": "Consent", "id": "consent"},
	}
}

// without drops resources by id.
func without(resources []resource, ids ...string) []resource {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var out []resource
	for _, r := range resources {
		if id, _ := r["id"].(string); drop[id] {
			continue
		}
		out = append(out, r)
	}
	return out
}

func bundleJSON(t *testing.T, resources []resource) []byte {
	t.Helper()
	entries := make([]map[string]interface{}, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  "urn:uuid:" + r["id"].(string),
			"resource": r,
		})
	}
	data, err := json.Marshal(map[string]interface{}{
		"resourceType": "Bundle",
		"id":           "referral-bundle",
		"type":         "message",
		"entry":        entries,
	})
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	return data
}

func projectResources(t *testing.T, resources []resource) BundleProjection {
	t.Helper()
	bundle, err := ParseBundle(bundleJSON(t, resources))
	if err != nil {
		t.Fatalf("parse bundle: %v", err)
	}
	return ProjectBundle(bundle)
}

// ---- Fakes ----

type forwardCall struct {
	headers http.Header
	body    []byte
	id      string
}

type fakeForwarder struct {
	mu      sync.Mutex
	outcome Outcome
	creates []forwardCall
	gets    []forwardCall
}

func newFakeForwarder(body string) *fakeForwarder {
	return &fakeForwarder{outcome: Outcome{Kind: OutcomeSuccess, Status: http.StatusOK, Body: []byte(body), Attempts: 1}}
}

func (f *fakeForwarder) CreateReferral(_ context.Context, headers http.Header, body []byte) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, forwardCall{headers: headers, body: body})
	return f.outcome
}

func (f *fakeForwarder) GetReferral(_ context.Context, headers http.Header, id string) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, forwardCall{headers: headers, id: id})
	return f.outcome
}

// contextForwarder records whether the caller context was still live when
// the forward happened.
type contextForwarder struct {
	*fakeForwarder
	ctxErr error
}

func (f *contextForwarder) CreateReferral(ctx context.Context, headers http.Header, body []byte) Outcome {
	f.ctxErr = ctx.Err()
	return f.fakeForwarder.CreateReferral(ctx, headers, body)
}

// stallingAudit blocks until its context ends, like an unreachable database.
type stallingAudit struct{}

func (stallingAudit) Log(ctx context.Context, _ AuditRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

type recordingAudit struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (a *recordingAudit) Log(_ context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return a.err
}

func (a *recordingAudit) events() []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEvent, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.Event)
	}
	return out
}

type fakeProfile struct {
	outcome *fhir.OperationOutcome
	err     error
}

func (p fakeProfile) Validate(context.Context, []byte) (*fhir.OperationOutcome, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.outcome == nil {
		return fhir.EmptyOutcome(), nil
	}
	return p.outcome, nil
}

var errSinkDown = errors.New("audit sink down")

func diagnostics(errs []fhir.HTTPError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Diagnostics())
	}
	return out
}
