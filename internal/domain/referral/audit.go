package referral

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent names a validation gate result.
type AuditEvent int

const (
	AuditHeadersValidationSucceeded AuditEvent = iota
	AuditHeadersValidationFailed
	AuditFhirProfileValidationSucceeded
	AuditFhirProfileValidationFailed
	AuditMandatoryDataValidationSucceeded
	AuditMandatoryDataValidationFailed
)

func (e AuditEvent) String() string {
	switch e {
	case AuditHeadersValidationSucceeded:
		return "HeadersValidationSucceeded"
	case AuditHeadersValidationFailed:
		return "HeadersValidationFailed"
	case AuditFhirProfileValidationSucceeded:
		return "FhirProfileValidationSucceeded"
	case AuditFhirProfileValidationFailed:
		return "FhirProfileValidationFailed"
	case AuditMandatoryDataValidationSucceeded:
		return "MandatoryDataValidationSucceeded"
	case AuditMandatoryDataValidationFailed:
		return "MandatoryDataValidationFailed"
	default:
		return "Unknown"
	}
}

// AuditRecord is one audit entry with the caller identity taken from the
// request headers.
type AuditRecord struct {
	Event               AuditEvent
	TimestampUTC        time.Time
	RequestID           string
	CorrelationID       string
	EndUserOrganisation string
	RequestingSoftware  string
}

func newAuditRecord(event AuditEvent, h RequestHeaders) AuditRecord {
	return AuditRecord{
		Event:               event,
		TimestampUTC:        time.Now().UTC(),
		RequestID:           h.RequestID,
		CorrelationID:       h.CorrelationID,
		EndUserOrganisation: h.EndUserOrganisation,
		RequestingSoftware:  h.RequestingSoftware,
	}
}

// AuditLogger records audit entries.
type AuditLogger interface {
	Log(ctx context.Context, rec AuditRecord) error
}

// ZerologAuditLogger writes audit entries as structured log lines.
type ZerologAuditLogger struct {
	logger zerolog.Logger
}

func NewZerologAuditLogger(logger zerolog.Logger) *ZerologAuditLogger {
	return &ZerologAuditLogger{logger: logger.With().Str("component", "audit").Logger()}
}

func (l *ZerologAuditLogger) Log(_ context.Context, rec AuditRecord) error {
	l.logger.Info().
		Str("audit_event", rec.Event.String()).
		Time("timestamp_utc", rec.TimestampUTC).
		Str("request_id", rec.RequestID).
		Str("correlation_id", rec.CorrelationID).
		Str("end_user_organisation", rec.EndUserOrganisation).
		Str("requesting_software", rec.RequestingSoftware).
		Msg("AuditLog")
	return nil
}

// MultiAuditLogger sends every entry to all sinks and joins their errors.
type MultiAuditLogger []AuditLogger

func (m MultiAuditLogger) Log(ctx context.Context, rec AuditRecord) error {
	var errs []error
	for _, l := range m {
		if err := l.Log(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
