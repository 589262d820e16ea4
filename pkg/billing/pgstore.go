package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/symptomkit/symptomkit/pkg/pg"
	"github.com/symptomkit/symptomkit/pkg/quota"
)

// PGStore is the Postgres persistence layer for subscription records, the
// webhook dedup set, and the usage counter. One table backs both the billing
// state and the quota so a single row read answers premium-or-quota questions
// from the same snapshot.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store over an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("billing: pgxpool is required")
	}
	return &PGStore{pool: pool}
}

const recordColumns = `user_id, provider, provider_customer_id, provider_subscription_id,
		email, status, is_premium, access_until, plan_name, last_reconciled_at,
		quota_count, quota_reset_at, created_at, updated_at`

// Get returns the record for a user.
func (s *PGStore) Get(ctx context.Context, userID uuid.UUID) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records WHERE user_id = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("billing: get record: %w", err)
	}
	return rec, nil
}

// GetBySubscriptionID locates a record by provider subscription ID.
func (s *PGStore) GetBySubscriptionID(ctx context.Context, provider PaymentProvider, providerSubscriptionID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records
		WHERE provider = $1 AND provider_subscription_id = $2`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, string(provider), providerSubscriptionID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("billing: get record by subscription: %w", err)
	}
	return rec, nil
}

// Update persists the engine-owned fields. Quota columns are deliberately not
// written here; concurrent increments must never be clobbered by a reconcile.
func (s *PGStore) Update(ctx context.Context, rec *Record) error {
	query := `UPDATE billing_records SET
			provider = $2,
			provider_customer_id = $3,
			provider_subscription_id = $4,
			email = $5,
			status = $6,
			is_premium = $7,
			access_until = $8,
			plan_name = $9,
			last_reconciled_at = $10,
			updated_at = now()
		WHERE user_id = $1`

	ct, err := s.pool.Exec(ctx, query,
		rec.UserID,
		string(rec.Provider),
		rec.ProviderCustomerID,
		rec.ProviderSubscriptionID,
		rec.Email,
		string(rec.Status),
		rec.IsPremium,
		nullableTime(rec.AccessUntil),
		rec.PlanName,
		nullableTime(rec.LastReconciledAt),
	)
	if err != nil {
		return fmt.Errorf("billing: update record: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Create inserts an inert record for a new user. Creating an already existing
// user returns the stored record unchanged.
func (s *PGStore) Create(ctx context.Context, userID uuid.UUID) (*Record, error) {
	query := `INSERT INTO billing_records (user_id, provider, status, is_premium)
		VALUES ($1, $2, $3, false)
		RETURNING ` + recordColumns

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, userID, string(ProviderNone), string(StatusInactive)))
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return s.Get(ctx, userID)
		}
		return nil, fmt.Errorf("billing: create record: %w", err)
	}
	return rec, nil
}

// ClaimEvent marks the event processed if it was not already. The insert is
// the atomic claim; two racing deliveries resolve to exactly one affected row.
func (s *PGStore) ClaimEvent(ctx context.Context, provider PaymentProvider, eventID string) (bool, error) {
	query := `INSERT INTO webhook_events (provider, event_id, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (provider, event_id) DO NOTHING`

	ct, err := s.pool.Exec(ctx, query, string(provider), eventID)
	if err != nil {
		return false, fmt.Errorf("billing: claim event: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ReleaseEvent undoes a claim after a failed persist.
func (s *PGStore) ReleaseEvent(ctx context.Context, provider PaymentProvider, eventID string) error {
	query := `DELETE FROM webhook_events WHERE provider = $1 AND event_id = $2`
	if _, err := s.pool.Exec(ctx, query, string(provider), eventID); err != nil {
		return fmt.Errorf("billing: release event: %w", err)
	}
	return nil
}

// IncrementUsage advances the usage counter in one atomic statement,
// restarting the window when the stored window start is older than the window
// length. A NULL window start counts as expired, so a fresh record starts at 1.
func (s *PGStore) IncrementUsage(ctx context.Context, userID uuid.UUID, now time.Time, window time.Duration) (quota.Usage, error) {
	cutoff := now.Add(-window)

	query := `UPDATE billing_records SET
			quota_count = CASE WHEN quota_reset_at IS NULL OR quota_reset_at <= $2 THEN 1 ELSE quota_count + 1 END,
			quota_reset_at = CASE WHEN quota_reset_at IS NULL OR quota_reset_at <= $2 THEN $3 ELSE quota_reset_at END,
			updated_at = $3
		WHERE user_id = $1
		RETURNING quota_count, quota_reset_at`

	var u quota.Usage
	if err := s.pool.QueryRow(ctx, query, userID, cutoff, now).Scan(&u.Count, &u.ResetAt); err != nil {
		if pg.IsNotFoundError(err) {
			return quota.Usage{}, quota.ErrUserNotFound
		}
		return quota.Usage{}, fmt.Errorf("billing: increment usage: %w", err)
	}
	return u, nil
}

// Usage reads the raw counter without consuming anything.
func (s *PGStore) Usage(ctx context.Context, userID uuid.UUID) (quota.Usage, error) {
	query := `SELECT quota_count, quota_reset_at FROM billing_records WHERE user_id = $1`

	var (
		u       quota.Usage
		resetAt *time.Time
	)
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&u.Count, &resetAt); err != nil {
		if pg.IsNotFoundError(err) {
			return quota.Usage{}, quota.ErrUserNotFound
		}
		return quota.Usage{}, fmt.Errorf("billing: read usage: %w", err)
	}
	if resetAt != nil {
		u.ResetAt = resetAt.UTC()
	}
	return u, nil
}

// pgRow is the scan surface shared by pool.QueryRow and pgx.Rows.
type pgRow interface {
	Scan(dest ...any) error
}

func scanRecord(row pgRow) (*Record, error) {
	var (
		rec              Record
		provider, status string
		accessUntil      *time.Time
		lastReconciledAt *time.Time
		quotaResetAt     *time.Time
	)
	err := row.Scan(
		&rec.UserID,
		&provider,
		&rec.ProviderCustomerID,
		&rec.ProviderSubscriptionID,
		&rec.Email,
		&status,
		&rec.IsPremium,
		&accessUntil,
		&rec.PlanName,
		&lastReconciledAt,
		&rec.QuotaCount,
		&quotaResetAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Provider = PaymentProvider(provider)
	rec.Status = Status(status)
	if accessUntil != nil {
		rec.AccessUntil = accessUntil.UTC()
	}
	if lastReconciledAt != nil {
		rec.LastReconciledAt = lastReconciledAt.UTC()
	}
	if quotaResetAt != nil {
		rec.QuotaResetAt = quotaResetAt.UTC()
	}
	return &rec, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
