package billing

import (
	"context"

	"github.com/google/uuid"
)

// Store is the narrow persistence surface the engine needs: read and update
// one user's record with read-your-writes consistency. Records are created by
// the identity subsystem at account creation and never deleted here.
type Store interface {
	// Get returns the record for a user. Returns ErrRecordNotFound when the
	// user has no record.
	Get(ctx context.Context, userID uuid.UUID) (*Record, error)

	// GetBySubscriptionID locates a record by its provider subscription ID.
	// Webhook events that carry no user metadata are attributed this way.
	GetBySubscriptionID(ctx context.Context, provider PaymentProvider, providerSubscriptionID string) (*Record, error)

	// Update persists the engine-owned fields of a record.
	Update(ctx context.Context, rec *Record) error

	// Create inserts an inert record for a new user. Exposed for the account
	// creation hook and tests; the engine itself never calls it.
	Create(ctx context.Context, userID uuid.UUID) (*Record, error)
}

// EventStore is the webhook dedup set. Claiming must be an atomic
// insert-if-absent, not a read-then-write: two concurrent deliveries of the
// same event must resolve to exactly one claim.
type EventStore interface {
	// ClaimEvent records the event ID as processed if it was not already.
	// Returns false when the event was claimed before.
	ClaimEvent(ctx context.Context, provider PaymentProvider, eventID string) (bool, error)

	// ReleaseEvent undoes a claim after a failed persist so the provider's
	// redelivery can retry the business side effect.
	ReleaseEvent(ctx context.Context, provider PaymentProvider, eventID string) error
}
