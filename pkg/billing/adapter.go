package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderAdapter hides one payment processor behind a shared surface.
// Exactly two implementations exist (Stripe and Paddle); the provider to use
// for a given user is selected once, from the record's PaymentProvider, never
// at individual call sites.
//
// Adapter calls are the only network I/O in the engine. Every returned error
// is classified with the sentinel errors in this package so callers can decide
// between retrying, degrading, and giving up without provider-specific logic.
type ProviderAdapter interface {
	Provider() PaymentProvider

	// FetchSubscription returns the current provider-side view of a
	// subscription.
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (ProviderSubscriptionView, error)

	// CreateCheckoutSession starts a hosted checkout for a new subscription.
	// The user ID travels with the session so later webhook events can be
	// attributed before the local record carries a real subscription ID.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)

	// CancelAtPeriodEnd schedules the subscription to stop renewing while
	// keeping it active until the paid period runs out.
	CancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string) error

	// ClearCancellation removes a pending period-end cancellation. Only valid
	// while the provider still considers the subscription active.
	ClearCancellation(ctx context.Context, providerSubscriptionID string) error

	// PaymentMethodUpdateURL returns a provider-hosted page where the customer
	// can update their payment method. No local state changes.
	PaymentMethodUpdateURL(ctx context.Context, customerID, providerSubscriptionID string) (string, error)

	// VerifyWebhook authenticates a raw webhook delivery against the
	// provider's signing secret and normalizes it into a WebhookEvent.
	// Returns ErrInvalidSignature without side effects on a bad signature.
	VerifyWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookEvent, error)
}

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	UserID     uuid.UUID
	PriceID    string // provider's price identifier from the plan catalog
	Email      string // optional billing email prefill
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a hosted checkout handle.
type CheckoutSession struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// EventKind is the normalized webhook event type. Providers map their native
// event names into this set; anything else becomes EventUnknown and is
// acknowledged without processing, which keeps ingestion forward-compatible.
type EventKind string

const (
	EventSubscriptionCreated  EventKind = "subscription_created"
	EventSubscriptionUpdated  EventKind = "subscription_updated"
	EventSubscriptionDeleted  EventKind = "subscription_deleted"
	EventInvoicePaid          EventKind = "invoice_payment_succeeded"
	EventInvoicePaymentFailed EventKind = "invoice_payment_failed"
	EventCheckoutCompleted    EventKind = "checkout_completed"
	EventUnknown              EventKind = "unknown"
)

// WebhookEvent is a signature-verified, provider-normalized webhook delivery.
type WebhookEvent struct {
	ID            string // provider's unique event ID, the dedup key
	Kind          EventKind
	ProviderEvent string // original provider event name, for logging
	Provider      PaymentProvider

	// UserID is extracted from checkout metadata when the provider carries it;
	// uuid.Nil otherwise, in which case the subscription ID locates the record.
	UserID         uuid.UUID
	SubscriptionID string
	CustomerID     string

	// View is the subscription object embedded in the event payload, when the
	// event shape carries one. Invoice events do not: the invoice alone lacks
	// the cancellation flag, so ingestion fetches the subscription instead.
	View *ProviderSubscriptionView
}
