package fhir

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is the closed set of codes from the NHS http-error-codes system.
type ErrorCode int

const (
	CodeReceiverServerError ErrorCode = iota
	CodeSenderBadRequest
	CodeReceiverBadRequest
	CodeReceiverUnavailable
	CodeTooManyRequests
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSenderBadRequest:
		return "SEND_BAD_REQUEST"
	case CodeReceiverBadRequest:
		return "REC_BAD_REQUEST"
	case CodeReceiverUnavailable:
		return "REC_UNAVAILABLE"
	case CodeTooManyRequests:
		return "TOO_MANY_REQUESTS"
	default:
		return "REC_SERVER_ERROR"
	}
}

// Display is the human readable text paired with the code in details.coding.
func (c ErrorCode) Display() string {
	switch c {
	case CodeSenderBadRequest:
		return "400: The Sender has sent a bad request."
	case CodeReceiverBadRequest:
		return "400: The Receiver was unable to process the request."
	case CodeReceiverUnavailable:
		return "503: The Receiver is currently unavailable."
	case CodeTooManyRequests:
		return "429: Too many requests have been made by this source in a given amount of time."
	default:
		return "500: The Receiver has encountered an error processing the request."
	}
}

// Kind identifies which failure produced an HTTPError. The zero value is
// KindUnexpected so an unclassified error always renders as a server error.
type Kind int

const (
	KindUnexpected Kind = iota
	KindMissingRequiredHeader
	KindInvalidHeader
	KindInvalidBundle
	KindBundleDeserialization
	KindInvalidRequestParameter
	KindProfileViolation
	KindBackendResponse
	KindAPICall
	KindTooManyRequests
)

func (k Kind) String() string {
	switch k {
	case KindMissingRequiredHeader:
		return "MissingRequiredHeader"
	case KindInvalidHeader:
		return "InvalidHeader"
	case KindInvalidBundle:
		return "InvalidBundle"
	case KindBundleDeserialization:
		return "BundleDeserialization"
	case KindInvalidRequestParameter:
		return "InvalidRequestParameter"
	case KindProfileViolation:
		return "ProfileViolation"
	case KindBackendResponse:
		return "BackendResponse"
	case KindAPICall:
		return "APICall"
	case KindTooManyRequests:
		return "TooManyRequests"
	default:
		return "Unexpected"
	}
}

// HTTPError is one canonical error entry. Every value renders to exactly one
// OperationOutcome issue with a non-empty code and diagnostics.
type HTTPError struct {
	kind       Kind
	code       ErrorCode
	severity   string
	issueType  string
	message    string
	expression []string
}

func MissingRequiredHeaderError(message string) HTTPError {
	return HTTPError{kind: KindMissingRequiredHeader, message: message}
}

func InvalidHeaderError(message string) HTTPError {
	return HTTPError{kind: KindInvalidHeader, message: message}
}

func InvalidBundleError(message string) HTTPError {
	return HTTPError{kind: KindInvalidBundle, message: message}
}

func BundleDeserializationError(detail string) HTTPError {
	return HTTPError{kind: KindBundleDeserialization, message: detail}
}

func InvalidRequestParameterError(parameter, message string) HTTPError {
	return HTTPError{
		kind:    KindInvalidRequestParameter,
		message: fmt.Sprintf("Request parameter validation failure. Parameter name: %s, Error: %s.", parameter, message),
	}
}

// RequestError reports a malformed request that is not tied to one parameter,
// such as an unknown route or an oversized body.
func RequestError(message string) HTTPError {
	return HTTPError{kind: KindInvalidRequestParameter, message: message}
}

// ProfileViolationError wraps one issue reported by the profile validator,
// keeping its severity, issue type and location.
func ProfileViolationError(issue OperationOutcomeIssue) HTTPError {
	return HTTPError{
		kind:       KindProfileViolation,
		severity:   issue.Severity,
		issueType:  issue.Code,
		message:    issue.Diagnostics,
		expression: issue.Expression,
	}
}

// BackendResponseError is an error reported by the backend itself. code is
// one of the receiver codes chosen from the backend status and body.
func BackendResponseError(code ErrorCode, message string) HTTPError {
	return HTTPError{kind: KindBackendResponse, code: code, message: message}
}

func APICallError(detail string) HTTPError {
	return HTTPError{kind: KindAPICall, message: detail}
}

func TooManyRequestsError(message string) HTTPError {
	return HTTPError{kind: KindTooManyRequests, message: message}
}

func UnexpectedError(detail string) HTTPError {
	return HTTPError{kind: KindUnexpected, message: detail}
}

func (e HTTPError) Kind() Kind {
	return e.kind
}

func (e HTTPError) Code() ErrorCode {
	switch e.kind {
	case KindMissingRequiredHeader, KindInvalidHeader, KindInvalidBundle,
		KindBundleDeserialization, KindInvalidRequestParameter, KindProfileViolation:
		return CodeSenderBadRequest
	case KindBackendResponse:
		switch e.code {
		case CodeReceiverBadRequest, CodeReceiverUnavailable, CodeTooManyRequests:
			return e.code
		default:
			return CodeReceiverUnavailable
		}
	case KindAPICall:
		return CodeReceiverUnavailable
	case KindTooManyRequests:
		return CodeTooManyRequests
	default:
		return CodeReceiverServerError
	}
}

func (e HTTPError) Severity() string {
	if e.kind == KindProfileViolation && IsValidSeverity(e.severity) {
		return e.severity
	}
	return IssueSeverityError
}

func (e HTTPError) IssueType() string {
	switch e.kind {
	case KindMissingRequiredHeader:
		return IssueTypeRequired
	case KindInvalidHeader, KindInvalidBundle, KindInvalidRequestParameter:
		return IssueTypeInvalid
	case KindBundleDeserialization:
		return IssueTypeStructure
	case KindProfileViolation:
		if e.issueType != "" {
			return e.issueType
		}
		return IssueTypeInvalid
	case KindTooManyRequests:
		return IssueTypeThrottled
	default:
		return IssueTypeTransient
	}
}

func (e HTTPError) Diagnostics() string {
	switch e.kind {
	case KindMissingRequiredHeader, KindInvalidHeader, KindInvalidBundle, KindInvalidRequestParameter:
		return orDefault(e.message, "Request validation failed")
	case KindBundleDeserialization:
		return "Bundle deserialization error: " + orDefault(e.message, "unreadable bundle")
	case KindProfileViolation:
		return orDefault(e.message, "FHIR profile validation failed")
	case KindBackendResponse:
		return "Receiver error. " + orDefault(e.message, "Unexpected error")
	case KindAPICall:
		return "Unexpected receiver error: " + orDefault(e.message, "no response")
	case KindTooManyRequests:
		return orDefault(e.message, "Too many requests")
	default:
		return "Unexpected error: " + orDefault(e.message, "unknown failure")
	}
}

func (e HTTPError) Display() string {
	return e.Code().Display()
}

// Issue renders the entry as an OperationOutcome issue.
func (e HTTPError) Issue() OperationOutcomeIssue {
	code := e.Code()
	return OperationOutcomeIssue{
		Severity: e.Severity(),
		Code:     e.IssueType(),
		Details: &CodeableConcept{
			Coding: []Coding{{
				System:  HTTPErrorCodesSystem,
				Code:    code.String(),
				Display: code.Display(),
			}},
		},
		Diagnostics: e.Diagnostics(),
		Expression:  e.expression,
	}
}

func (e HTTPError) Error() string {
	return e.Code().String() + ": " + e.Diagnostics()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// ErrorResponse carries a failure status and its entries up to the boundary
// middleware, which renders it as an OperationOutcome.
type ErrorResponse struct {
	Status int
	Errors []HTTPError
	Cause  error
}

// NewErrorResponse builds an ErrorResponse. A status outside 4xx/5xx is
// replaced by 500, and an empty entry list by one unexpected entry.
func NewErrorResponse(status int, errs ...HTTPError) *ErrorResponse {
	if status < http.StatusBadRequest || status > 599 {
		status = http.StatusInternalServerError
	}
	if len(errs) == 0 {
		errs = []HTTPError{UnexpectedError("no error details were recorded")}
	}
	return &ErrorResponse{Status: status, Errors: errs}
}

// WithCause records the underlying error for logging.
func (r *ErrorResponse) WithCause(err error) *ErrorResponse {
	r.Cause = err
	return r
}

func (r *ErrorResponse) Error() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.Error())
	}
	return fmt.Sprintf("%d: %s", r.Status, strings.Join(parts, "; "))
}

func (r *ErrorResponse) Unwrap() error {
	return r.Cause
}

// Outcome renders the response body.
func (r *ErrorResponse) Outcome() *OperationOutcome {
	return NewErrorOutcome(r.Errors...)
}
