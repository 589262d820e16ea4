package billing

import "time"

// Resolution is the outcome of running one provider view through the resolver.
// Changed and Regression exist for logging and telemetry only; persistence
// happens unconditionally so lastReconciledAt stays fresh.
type Resolution struct {
	Status      Status
	IsPremium   bool
	AccessUntil time.Time
	PlanName    string

	// Changed reports whether any canonical field differs from the previous
	// record.
	Changed bool

	// Regression reports that the view carried an earlier or missing
	// accessUntil while the stored record had one, without the raw status
	// moving to a strictly more terminal state. The shrunken value is not
	// applied; the stored one is kept.
	Regression bool
}

// Resolve maps a normalized provider view to the canonical local tuple.
// It is pure: no I/O, no clock access beyond the now argument. The provider is
// the source of truth on every call; prev is consulted only for change
// detection, the plan-name fallback, and the access-window regression guard.
func Resolve(view ProviderSubscriptionView, prev *Record, now time.Time) Resolution {
	res := Resolution{
		AccessUntil: accessWindowEnd(view),
		Status:      canonicalStatus(view),
	}

	if prev != nil && !prev.AccessUntil.IsZero() &&
		(res.AccessUntil.IsZero() || res.AccessUntil.Before(prev.AccessUntil)) &&
		res.Status.terminality() <= prev.Status.terminality() {
		// The paid window never silently shrinks, and a thin view that omits
		// the period entirely does not erase it. A genuine downgrade arrives
		// together with a more terminal raw status; anything else is a partial
		// event racing a fuller one.
		res.Regression = true
		res.AccessUntil = prev.AccessUntil
	}

	res.IsPremium = res.Status == StatusActive || res.AccessUntil.After(now)

	// A transient empty name from a partial event must not clobber a known
	// good one.
	res.PlanName = view.PlanName
	if res.PlanName == "" && prev != nil {
		res.PlanName = prev.PlanName
	}

	res.Changed = prev == nil ||
		prev.Status != res.Status ||
		prev.IsPremium != res.IsPremium ||
		!prev.AccessUntil.Equal(res.AccessUntil) ||
		prev.PlanName != res.PlanName

	return res
}

// accessWindowEnd picks the end of the currently paid period. When the
// provider has not yet populated it (newly created, still-incomplete
// subscriptions), a conservative one-interval-ahead estimate from the billing
// cycle anchor is used instead.
func accessWindowEnd(view ProviderSubscriptionView) time.Time {
	if !view.CurrentPeriodEnd.IsZero() {
		return view.CurrentPeriodEnd
	}
	if !view.BillingCycleAnchor.IsZero() {
		return view.Interval.next(view.BillingCycleAnchor)
	}
	return time.Time{}
}

// canonicalStatus maps the normalized raw status to the local enum. A raw
// active subscription flagged for period-end cancellation is reported as
// canceled immediately, so the UI can show "canceled, access until X" without
// waiting for the period boundary.
func canonicalStatus(view ProviderSubscriptionView) Status {
	switch view.RawStatus {
	case RawActive:
		if view.CancelAtPeriodEnd {
			return StatusCanceled
		}
		return StatusActive
	case RawPastDue:
		return StatusPastDue
	case RawIncomplete, RawIncompleteExpired:
		return StatusIncomplete
	case RawCanceled:
		return StatusCanceled
	case RawUnpaid:
		return StatusUnpaid
	}
	return StatusInactive
}

// Apply writes a resolution onto a record in place and stamps the
// reconciliation time. The quota fields are untouched; they belong to the
// usage counter.
func (res Resolution) Apply(rec *Record, now time.Time) {
	rec.Status = res.Status
	rec.IsPremium = res.IsPremium
	rec.AccessUntil = res.AccessUntil
	rec.PlanName = res.PlanName
	rec.LastReconciledAt = now
	rec.UpdatedAt = now
}
