package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentProvider identifies which payment processor owns a user's subscription.
// Set on first successful checkout and immutable until the user fully cancels
// and resubscribes elsewhere.
type PaymentProvider string

const (
	ProviderNone   PaymentProvider = "none"
	ProviderStripe PaymentProvider = "stripe"
	ProviderPaddle PaymentProvider = "paddle"
)

// ParseProvider maps a URL/config token to a known provider.
func ParseProvider(s string) (PaymentProvider, bool) {
	switch PaymentProvider(s) {
	case ProviderStripe:
		return ProviderStripe, true
	case ProviderPaddle:
		return ProviderPaddle, true
	}
	return ProviderNone, false
}

// Status is the canonical local subscription state. It is a projection derived
// by the resolver, not a verbatim copy of any provider's status string.
type Status string

const (
	StatusInactive   Status = "inactive"
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
)

// terminality orders statuses from least to most final. Used to decide whether
// an accessUntil moving backward is a legitimate provider-driven downgrade or
// a suspicious regression.
func (s Status) terminality() int {
	switch s {
	case StatusInactive:
		return 0
	case StatusIncomplete:
		return 1
	case StatusActive:
		return 2
	case StatusPastDue:
		return 3
	case StatusCanceled:
		return 4
	case StatusUnpaid:
		return 5
	}
	return 0
}

// RawStatus is the shared provider vocabulary after adapter normalization.
// Adapters translate their native status strings into this set so the resolver
// never branches on provider identity.
type RawStatus string

const (
	RawActive             RawStatus = "active"
	RawPastDue            RawStatus = "past_due"
	RawIncomplete         RawStatus = "incomplete"
	RawIncompleteExpired  RawStatus = "incomplete_expired"
	RawCanceled           RawStatus = "canceled"
	RawUnpaid             RawStatus = "unpaid"
)

// Interval is a billing cycle length, used only for the conservative
// one-interval-ahead accessUntil estimate when the provider has not yet
// populated the current period end.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// next returns the instant one interval after from. Unknown intervals fall
// back to a month, the most common cycle.
func (i Interval) next(from time.Time) time.Time {
	switch i {
	case IntervalDay:
		return from.AddDate(0, 0, 1)
	case IntervalWeek:
		return from.AddDate(0, 0, 7)
	case IntervalYear:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// ProviderSubscriptionView is the normalized snapshot of a provider-side
// subscription. It is produced either from a live API fetch or from the object
// embedded in a webhook event payload; the latter can be a smaller slice of
// the full object (e.g. an empty PlanName).
type ProviderSubscriptionView struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	RawStatus              RawStatus
	CancelAtPeriodEnd      bool
	CurrentPeriodEnd       time.Time // zero when the provider has not populated it yet
	BillingCycleAnchor     time.Time // anchor for the one-interval estimate
	Interval               Interval
	PlanName               string // empty when the event slice lacks pricing info
}

// Record is the locally persisted subscription state for one user. The record
// is created inert at account creation and only ever updated by the engine,
// never deleted.
type Record struct {
	UserID                 uuid.UUID
	Provider               PaymentProvider
	ProviderCustomerID     string
	ProviderSubscriptionID string
	Email                  string // billing contact captured at checkout
	Status                 Status
	IsPremium              bool
	AccessUntil            time.Time // zero when the user never held a paid period
	PlanName               string
	LastReconciledAt       time.Time
	QuotaCount             int
	QuotaResetAt           time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// pendingPrefix marks a checkout session reference stored in place of a real
// subscription ID while the provider has not created the subscription yet.
const pendingPrefix = "pending:"

// PendingSubscriptionRef builds the placeholder stored at checkout time.
func PendingSubscriptionRef(sessionID string) string {
	return pendingPrefix + sessionID
}

// HasLiveSubscription reports whether the record references a real provider
// subscription, as opposed to nothing or a still-pending checkout.
func (r *Record) HasLiveSubscription() bool {
	return r.ProviderSubscriptionID != "" &&
		!strings.HasPrefix(r.ProviderSubscriptionID, pendingPrefix)
}

// PremiumAt reports whether the user holds premium capability at the given
// instant: an active subscription, or a still-running paid period after
// cancellation or a missed payment.
func (r *Record) PremiumAt(now time.Time) bool {
	if r.Status == StatusActive {
		return true
	}
	return !r.AccessUntil.IsZero() && r.AccessUntil.After(now)
}

// CanonicalStatus is the engine's answer to "what is this user's subscription
// state right now", shaped for the subscription details endpoint.
type CanonicalStatus struct {
	Status            Status          `json:"status"`
	IsPremium         bool            `json:"is_premium"`
	AccessUntil       *time.Time      `json:"access_until,omitempty"`
	PlanName          string          `json:"plan_name,omitempty"`
	CancelAtPeriodEnd bool            `json:"cancel_at_period_end"`
	Provider          PaymentProvider `json:"provider"`
}

// Canonical projects a record into its canonical status at the given instant.
func Canonical(rec *Record, now time.Time) CanonicalStatus {
	cs := CanonicalStatus{
		Status:    rec.Status,
		IsPremium: rec.PremiumAt(now),
		PlanName:  rec.PlanName,
		Provider:  rec.Provider,
	}
	if !rec.AccessUntil.IsZero() {
		until := rec.AccessUntil
		cs.AccessUntil = &until
	}
	// A locally canceled subscription with remaining paid time is exactly the
	// "will not renew" window.
	cs.CancelAtPeriodEnd = rec.Status == StatusCanceled && rec.AccessUntil.After(now)
	return cs
}
