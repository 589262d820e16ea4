package billing

import "errors"

var (
	// Webhook ingestion errors.
	ErrInvalidSignature = errors.New("billing: webhook signature verification failed")
	ErrMalformedEvent   = errors.New("billing: malformed webhook event payload")

	// Adapter error classes. Every provider error is folded into one of these
	// so callers never inspect provider-specific shapes.
	ErrProviderUnavailable = errors.New("billing: payment provider unavailable")
	ErrProviderRejected    = errors.New("billing: payment provider rejected the request")
	ErrSubscriptionGone    = errors.New("billing: subscription no longer exists at the provider")
	ErrCustomerGone        = errors.New("billing: customer no longer exists at the provider")

	// Command/state errors.
	ErrRecordNotFound        = errors.New("billing: subscription record not found")
	ErrNoSubscription        = errors.New("billing: user has no provider subscription")
	ErrNotCancellable        = errors.New("billing: subscription is not in a cancellable state")
	ErrNotReactivatable      = errors.New("billing: subscription is not in a reactivatable state")
	ErrAlreadyEnded          = errors.New("billing: provider subscription has fully ended")
	ErrAlreadySubscribed     = errors.New("billing: user already has a subscription")
	ErrUnknownProvider       = errors.New("billing: unknown payment provider")
	ErrProviderNotConfigured = errors.New("billing: payment provider is not configured")
	ErrPlanNotFound          = errors.New("billing: plan not found in catalog")
)

// IsTransient reports whether the error is worth retrying: the provider was
// unreachable or answered with a server-side failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsTerminal reports whether the provider gave a definitive negative answer
// that retrying cannot change.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSubscriptionGone) ||
		errors.Is(err, ErrCustomerGone) ||
		errors.Is(err, ErrProviderRejected)
}
