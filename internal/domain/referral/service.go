package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wccg/ereferrals/internal/platform/fhir"
)

// Stage is a position in the referral pipeline.
type Stage int

const (
	StageStart Stage = iota
	StageHeadersValidated
	StageProfileValidated
	StageMandatoryDataValidated
	StageForwarded
	StageDone
	StageRejected
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "Start"
	case StageHeadersValidated:
		return "HeadersValidated"
	case StageProfileValidated:
		return "ProfileValidated"
	case StageMandatoryDataValidated:
		return "MandatoryDataValidated"
	case StageForwarded:
		return "Forwarded"
	case StageDone:
		return "Done"
	case StageRejected:
		return "Rejected"
	default:
		return "Failed"
	}
}

// Service runs the referral pipeline: headers, bundle parse, profile,
// mandatory data, then forward. A rejection at any gate ends the run.
type Service struct {
	rules     *Rules
	profile   ProfileValidator
	forwarder Forwarder
	audit     AuditLogger
	logger    zerolog.Logger

	auditTimeout time.Duration
}

// DefaultAuditTimeout bounds a single audit write.
const DefaultAuditTimeout = 2 * time.Second

func NewService(rules *Rules, profile ProfileValidator, forwarder Forwarder, audit AuditLogger, logger zerolog.Logger) *Service {
	if rules == nil {
		rules = DefaultRules()
	}
	if profile == nil {
		profile = NoopProfileValidator{}
	}
	if audit == nil {
		audit = MultiAuditLogger{}
	}
	return &Service{
		rules:     rules,
		profile:   profile,
		forwarder: forwarder,
		audit:     audit,
		logger:    logger,

		auditTimeout: DefaultAuditTimeout,
	}
}

// run tracks the stage of one pipeline execution.
type run struct {
	svc     *Service
	headers RequestHeaders
	stage   Stage
	logger  zerolog.Logger
}

func (s *Service) newRun(h RequestHeaders, op string) *run {
	return &run{
		svc:     s,
		headers: h,
		stage:   StageStart,
		logger: s.logger.With().
			Str("operation", op).
			Str("request_id", h.RequestID).
			Str("correlation_id", h.CorrelationID).
			Logger(),
	}
}

func (r *run) advance(to Stage) {
	r.logger.Debug().Str("from", r.stage.String()).Str("to", to.String()).Msg("referral stage")
	r.stage = to
}

// emit writes one audit record under its own deadline, detached from the
// caller so a slow sink cannot cancel the rest of the run.
func (r *run) emit(ctx context.Context, event AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.svc.auditTimeout)
	defer cancel()
	if err := r.svc.audit.Log(ctx, newAuditRecord(event, r.headers)); err != nil {
		r.logger.Warn().Err(err).Str("audit_event", event.String()).Msg("audit sink failed")
	}
}

func logSkipped(logger zerolog.Logger, p BundleProjection) {
	for _, e := range p.Skipped {
		logger.Debug().
			Err(e.Err).
			Int("entry", e.Index).
			Str("resource_type", e.ResourceType).
			Msg("bundle entry skipped")
	}
}

func (r *run) reject(o Outcome) Outcome {
	r.advance(StageRejected)
	o.Stage = r.stage
	r.logger.Info().Int("status", o.Status).Int("errors", len(o.Errors)).Msg("referral rejected")
	return o
}

func (r *run) finish(o Outcome) Outcome {
	if o.OK() {
		r.advance(StageDone)
	} else {
		r.advance(StageFailed)
		r.logger.Warn().
			Str("outcome", o.Kind.String()).
			Int("status", o.Status).
			Int("attempts", o.Attempts).
			AnErr("cause", o.Cause).
			Msg("referral failed")
	}
	o.Stage = r.stage
	return o
}

func (r *run) checkHeaders(ctx context.Context) (Outcome, bool) {
	if failures := CheckHeaders(r.headers); len(failures) > 0 {
		r.emit(ctx, AuditHeadersValidationFailed)
		return r.reject(rejected(failuresToErrors(failures)...)), false
	}
	r.emit(ctx, AuditHeadersValidationSucceeded)
	r.advance(StageHeadersValidated)
	return Outcome{}, true
}

// ProcessMessage validates and forwards a referral bundle. The forwarded body
// is exactly the bytes received.
func (s *Service) ProcessMessage(ctx context.Context, h RequestHeaders, body []byte) Outcome {
	r := s.newRun(h, "process-message")

	if o, ok := r.checkHeaders(ctx); !ok {
		return o
	}

	bundle, err := ParseBundle(body)
	if err != nil {
		return r.reject(rejected(fhir.BundleDeserializationError(err.Error())))
	}

	outcome, err := s.profile.Validate(ctx, body)
	if err != nil {
		return r.finish(unexpected(fmt.Errorf("profile validator: %w", err)))
	}
	if issues := outcome.ErrorIssues(); len(issues) > 0 {
		r.emit(ctx, AuditFhirProfileValidationFailed)
		errs := make([]fhir.HTTPError, 0, len(issues))
		for _, is := range issues {
			errs = append(errs, fhir.ProfileViolationError(is))
		}
		return r.reject(rejected(errs...))
	}
	r.emit(ctx, AuditFhirProfileValidationSucceeded)
	r.advance(StageProfileValidated)

	projection := ProjectBundle(bundle)
	logSkipped(r.logger, projection)
	if failures := s.rules.Validate(projection); len(failures) > 0 {
		r.emit(ctx, AuditMandatoryDataValidationFailed)
		return r.reject(rejected(failuresToErrors(failures)...))
	}
	r.emit(ctx, AuditMandatoryDataValidationSucceeded)
	r.advance(StageMandatoryDataValidated)

	o := s.forwarder.CreateReferral(ctx, h.Forward(), body)
	r.advance(StageForwarded)
	return r.finish(o)
}

// GetReferral validates the id and headers, then reads the referral from the
// PAS.
func (s *Service) GetReferral(ctx context.Context, h RequestHeaders, id string) Outcome {
	r := s.newRun(h, "get-referral")

	if _, err := uuid.Parse(id); err != nil {
		return r.reject(rejected(fhir.InvalidRequestParameterError("id", "Id should be a valid GUID")))
	}

	if o, ok := r.checkHeaders(ctx); !ok {
		return o
	}

	o := s.forwarder.GetReferral(ctx, h.Forward(), id)
	r.advance(StageForwarded)
	return r.finish(o)
}

// ValidateBundle runs the offline gates (parse, profile, mandatory data) and
// renders the result as an OperationOutcome. No audit or forward happens.
func (s *Service) ValidateBundle(ctx context.Context, body []byte) (*fhir.OperationOutcome, error) {
	bundle, err := ParseBundle(body)
	if err != nil {
		return fhir.NewErrorOutcome(fhir.BundleDeserializationError(err.Error())), nil
	}

	b := fhir.NewOutcomeBuilder()
	profileOutcome, err := s.profile.Validate(ctx, body)
	if err != nil {
		return nil, err
	}
	for _, is := range profileOutcome.Issue {
		b.AddIssue(is)
	}
	projection := ProjectBundle(bundle)
	logSkipped(s.logger, projection)
	for _, f := range s.rules.Validate(projection) {
		b.AddError(f.HTTPError())
	}
	return b.Build(), nil
}
