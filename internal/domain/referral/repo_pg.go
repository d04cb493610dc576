package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// StoredAuditRecord is an audit entry read back from the database.
type StoredAuditRecord struct {
	ID uuid.UUID
	AuditRecord
	CreatedAt time.Time
}

// AuditRepoPG stores audit entries in the audit_events table.
type AuditRepoPG struct {
	db queryable
}

func NewAuditRepoPG(pool *pgxpool.Pool) *AuditRepoPG {
	return &AuditRepoPG{db: pool}
}

const auditInsert = `INSERT INTO audit_events (
	id, audit_event, timestamp_utc, request_id, correlation_id,
	end_user_organisation, requesting_software
) VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Log implements AuditLogger.
func (r *AuditRepoPG) Log(ctx context.Context, rec AuditRecord) error {
	_, err := r.db.Exec(ctx, auditInsert,
		uuid.New(), rec.Event.String(), rec.TimestampUTC, rec.RequestID, rec.CorrelationID,
		rec.EndUserOrganisation, rec.RequestingSoftware,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

const auditSelect = `SELECT id, audit_event, timestamp_utc, request_id, correlation_id,
	end_user_organisation, requesting_software, created_at
	FROM audit_events WHERE correlation_id = $1 ORDER BY timestamp_utc`

// ListByCorrelationID returns the audit trail of one correlated exchange.
func (r *AuditRepoPG) ListByCorrelationID(ctx context.Context, correlationID string) ([]StoredAuditRecord, error) {
	rows, err := r.db.Query(ctx, auditSelect, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []StoredAuditRecord
	for rows.Next() {
		var s StoredAuditRecord
		var event string
		if err := rows.Scan(&s.ID, &event, &s.TimestampUTC, &s.RequestID, &s.CorrelationID,
			&s.EndUserOrganisation, &s.RequestingSoftware, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		s.Event = parseAuditEvent(event)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

func parseAuditEvent(s string) AuditEvent {
	for e := AuditHeadersValidationSucceeded; e <= AuditMandatoryDataValidationFailed; e++ {
		if e.String() == s {
			return e
		}
	}
	return AuditEvent(-1)
}
