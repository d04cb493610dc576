package referral

import (
	"net/http"

	"github.com/wccg/ereferrals/internal/platform/fhir"
)

// Inbound header names.
const (
	HeaderTargetIdentifier       = "NHSD-Target-Identifier"
	HeaderEndUserOrganisation    = "NHSD-End-User-Organisation"
	HeaderRequestingPractitioner = "NHSD-Requesting-Practitioner"
	HeaderRequestingSoftware     = "NHSD-Requesting-Software"
	HeaderRequestID              = "X-Request-Id"
	HeaderCorrelationID          = "X-Correlation-Id"
	HeaderUseContext             = "use-context"
	HeaderAccept                 = "Accept"
)

// RequestHeaders is the header set of one inbound call, captured once.
type RequestHeaders struct {
	TargetIdentifier       string
	EndUserOrganisation    string
	RequestingPractitioner string
	RequestingSoftware     string
	RequestID              string
	CorrelationID          string
	UseContext             string
	Accept                 string
}

// HeadersFromHTTP captures the contract headers from an inbound request.
func HeadersFromHTTP(h http.Header) RequestHeaders {
	return RequestHeaders{
		TargetIdentifier:       h.Get(HeaderTargetIdentifier),
		EndUserOrganisation:    h.Get(HeaderEndUserOrganisation),
		RequestingPractitioner: h.Get(HeaderRequestingPractitioner),
		RequestingSoftware:     h.Get(HeaderRequestingSoftware),
		RequestID:              h.Get(HeaderRequestID),
		CorrelationID:          h.Get(HeaderCorrelationID),
		UseContext:             h.Get(HeaderUseContext),
		Accept:                 h.Get(HeaderAccept),
	}
}

// Forward returns the headers passed on to the PAS. Accept is replaced by the
// plain FHIR media type.
func (h RequestHeaders) Forward() http.Header {
	out := http.Header{}
	set := func(k, v string) {
		if v != "" {
			out.Set(k, v)
		}
	}
	set(HeaderTargetIdentifier, h.TargetIdentifier)
	set(HeaderEndUserOrganisation, h.EndUserOrganisation)
	set(HeaderRequestingPractitioner, h.RequestingPractitioner)
	set(HeaderRequestingSoftware, h.RequestingSoftware)
	set(HeaderRequestID, h.RequestID)
	set(HeaderCorrelationID, h.CorrelationID)
	set(HeaderUseContext, h.UseContext)
	out.Set(HeaderAccept, fhir.MediaType)
	return out
}

// Failure codes.
const (
	CodeMissingRequiredHeader = "MissingRequiredHeader"
	CodeInvalidHeader         = "InvalidHeader"
	CodeMissingBundleEntity   = "MissingBundleEntity"
	CodeMinCardinality        = "MinCardinality"
	CodeMissingEntityField    = "MissingEntityField"
)

// ValidationFailure is one failed header or bundle check.
type ValidationFailure struct {
	Field   string
	Message string
	Code    string
}

// HTTPError maps the failure onto the error taxonomy.
func (f ValidationFailure) HTTPError() fhir.HTTPError {
	switch f.Code {
	case CodeMissingRequiredHeader:
		return fhir.MissingRequiredHeaderError(f.Message)
	case CodeInvalidHeader:
		return fhir.InvalidHeaderError(f.Message)
	default:
		return fhir.InvalidBundleError(f.Message)
	}
}

func failuresToErrors(failures []ValidationFailure) []fhir.HTTPError {
	errs := make([]fhir.HTTPError, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, f.HTTPError())
	}
	return errs
}

// OutcomeKind is the terminal classification of one pipeline run.
type OutcomeKind int

const (
	OutcomeUnexpectedFailure OutcomeKind = iota
	OutcomeSuccess
	OutcomeValidationRejected
	OutcomeBackendRejected
	OutcomeTransportFailure
	OutcomeThrottled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeValidationRejected:
		return "ValidationRejected"
	case OutcomeBackendRejected:
		return "BackendRejected"
	case OutcomeTransportFailure:
		return "TransportFailure"
	case OutcomeThrottled:
		return "Throttled"
	default:
		return "UnexpectedFailure"
	}
}

// Outcome is the result of one pipeline run. Body is set on success, Errors
// otherwise.
type Outcome struct {
	Kind     OutcomeKind
	Status   int
	Body     []byte
	Errors   []fhir.HTTPError
	Attempts int
	Stage    Stage
	Cause    error
}

// OK reports whether the run produced a backend success.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// ErrorResponse converts a failed outcome for the boundary middleware.
func (o Outcome) ErrorResponse() *fhir.ErrorResponse {
	return fhir.NewErrorResponse(o.Status, o.Errors...).WithCause(o.Cause)
}

func rejected(errs ...fhir.HTTPError) Outcome {
	return Outcome{Kind: OutcomeValidationRejected, Status: http.StatusBadRequest, Errors: errs}
}

func unexpected(err error) Outcome {
	return Outcome{
		Kind:   OutcomeUnexpectedFailure,
		Status: http.StatusInternalServerError,
		Errors: []fhir.HTTPError{fhir.UnexpectedError(err.Error())},
		Cause:  err,
	}
}
