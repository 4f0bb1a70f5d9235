package postgres

import (
	"context"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const auditWriteTimeout = 5 * time.Second

// AuditRecorder persists credential operations to the audit table. Failures
// are logged and swallowed so auditing can never fail the audited operation.
type AuditRecorder struct {
	pool *pgxpool.Pool
}

func NewAuditRecorder(pool *pgxpool.Pool) *AuditRecorder {
	return &AuditRecorder{pool: pool}
}

func (r *AuditRecorder) Record(ctx context.Context, entry domain.AuditEntry) {
	// The audit row must land even when the request context is already done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	const query = `
		INSERT INTO credential_audit_log (id, instance_id, operation, status, error_type, method, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.InstanceID,
		entry.Operation,
		entry.Status,
		entry.ErrorType,
		entry.Method,
		entry.OccurredAt,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("instance_id", entry.InstanceID).
			Str("operation", entry.Operation).
			Msg("Failed to write audit log entry")
	}

	event := log.Info()
	if entry.Status != "success" {
		event = log.Warn()
	}

	event.
		Str("instance_id", entry.InstanceID).
		Str("operation", entry.Operation).
		Str("status", entry.Status).
		Str("error_type", entry.ErrorType).
		Str("method", entry.Method).
		Msg("Credential audit event")
}
