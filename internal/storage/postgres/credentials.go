package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialRepository is the pgx-backed durable store. Column names stay
// snake_case in SQL; everything above this layer uses the normalized structs.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

func (r *CredentialRepository) GetInstanceCredential(ctx context.Context, instanceID string) (domain.InstanceCredential, error) {
	const query = `
		SELECT instance_id, owner_id, provider, access_token, refresh_token,
		       COALESCE(expires_at, 'epoch'::timestamptz),
		       oauth_status,
		       COALESCE(completed_at, 'epoch'::timestamptz),
		       COALESCE(last_used_at, 'epoch'::timestamptz),
		       version
		FROM instance_credentials
		WHERE instance_id = $1`

	var row domain.InstanceCredential
	var status string

	err := r.pool.QueryRow(ctx, query, instanceID).Scan(
		&row.InstanceID,
		&row.OwnerID,
		&row.Provider,
		&row.AccessToken,
		&row.RefreshToken,
		&row.ExpiresAt,
		&status,
		&row.CompletedAt,
		&row.LastUsedAt,
		&row.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.InstanceCredential{}, domain.ErrInstanceNotFound
		}
		return domain.InstanceCredential{}, fmt.Errorf("failed to query instance credential: %w", err)
	}

	row.Status = domain.CredentialStatus(status)

	return row, nil
}

func (r *CredentialRepository) UpdateOAuthFields(ctx context.Context, instanceID string, update domain.OAuthFieldsUpdate) error {
	query := `
		UPDATE instance_credentials
		SET access_token = $2,
		    refresh_token = $3,
		    expires_at = $4,
		    oauth_status = $5,
		    completed_at = now(),
		    version = version + 1
		WHERE instance_id = $1`
	args := []any{instanceID, update.AccessToken, update.RefreshToken, update.ExpiresAt, string(update.Status)}

	if update.ExpectedVersion > 0 {
		query += ` AND version = $6`
		args = append(args, update.ExpectedVersion)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update oauth fields: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if update.ExpectedVersion > 0 {
			// Either the row vanished or the version moved; disambiguate.
			if _, getErr := r.GetInstanceCredential(ctx, instanceID); getErr != nil {
				return getErr
			}
			return domain.ErrVersionConflict
		}
		return domain.ErrInstanceNotFound
	}

	return nil
}

func (r *CredentialRepository) UpdateLastUsed(ctx context.Context, instanceID string, usedAt time.Time) error {
	const query = `UPDATE instance_credentials SET last_used_at = $2 WHERE instance_id = $1`

	if _, err := r.pool.Exec(ctx, query, instanceID, usedAt); err != nil {
		return fmt.Errorf("failed to update last used: %w", err)
	}

	return nil
}
