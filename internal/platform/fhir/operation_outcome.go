package fhir

import "github.com/google/uuid"

// OperationOutcome severity levels (FHIR R4 issue-severity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the gateway.
const (
	IssueTypeInvalid   = "invalid"
	IssueTypeStructure = "structure"
	IssueTypeRequired  = "required"
	IssueTypeThrottled = "throttled"
	IssueTypeTransient = "transient"
)

var validSeverities = map[string]bool{
	IssueSeverityFatal:       true,
	IssueSeverityError:       true,
	IssueSeverityWarning:     true,
	IssueSeverityInformation: true,
}

// IsValidSeverity checks whether a severity string is a valid FHIR issue severity.
func IsValidSeverity(s string) bool {
	return validSeverities[s]
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources
// stamped with a fresh id and the UK Core profile.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates a new OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
			ID:           uuid.NewString(),
			Meta:         &Meta{Profile: []string{OperationOutcomeProfile}},
			Issue:        []OperationOutcomeIssue{},
		},
	}
}

// AddIssue appends a raw issue.
func (b *OutcomeBuilder) AddIssue(issue OperationOutcomeIssue) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, issue)
	return b
}

// AddError appends one issue rendered from a taxonomy entry.
func (b *OutcomeBuilder) AddError(err HTTPError) *OutcomeBuilder {
	return b.AddIssue(err.Issue())
}

// Build returns the constructed OperationOutcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// EmptyOutcome returns a profiled outcome with no issues.
func EmptyOutcome() *OperationOutcome {
	return NewOutcomeBuilder().Build()
}

// NewErrorOutcome renders taxonomy entries, in order, into one envelope.
func NewErrorOutcome(errs ...HTTPError) *OperationOutcome {
	b := NewOutcomeBuilder()
	for _, e := range errs {
		b.AddError(e)
	}
	return b.Build()
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	if o == nil {
		return false
	}
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// ErrorIssues returns the error and fatal issues in their original order.
func (o *OperationOutcome) ErrorIssues() []OperationOutcomeIssue {
	if o == nil {
		return nil
	}
	var out []OperationOutcomeIssue
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			out = append(out, issue)
		}
	}
	return out
}
