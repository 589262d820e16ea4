package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/symptomkit/symptomkit/pkg/logger"
	"github.com/symptomkit/symptomkit/pkg/retry"
)

// Reconciler derives the canonical local status from a live provider fetch
// and executes the user-initiated subscription commands. Every write path
// runs through the same pure resolver with the provider as ground truth, so
// concurrent writers (webhooks, user requests) converge regardless of
// interleaving.
type Reconciler struct {
	store    Store
	catalog  *Catalog
	adapters map[PaymentProvider]ProviderAdapter
	breakers map[PaymentProvider]*gobreaker.CircuitBreaker[ProviderSubscriptionView]

	policy       retry.Policy
	fetchTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRetryPolicy overrides the bounded retry policy for adapter calls.
func WithRetryPolicy(p retry.Policy) ReconcilerOption {
	return func(r *Reconciler) { r.policy = p }
}

// WithFetchTimeout bounds a single provider fetch attempt.
func WithFetchTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler wires the engine's pull path. Adapters for unconfigured
// providers are simply absent from the map; reconciliation for their users
// degrades to the last persisted state.
func NewReconciler(store Store, catalog *Catalog, adapters []ProviderAdapter, opts ...ReconcilerOption) *Reconciler {
	if store == nil {
		panic("billing: Store is required")
	}
	if catalog == nil {
		panic("billing: Catalog is required")
	}

	r := &Reconciler{
		store:        store,
		catalog:      catalog,
		adapters:     make(map[PaymentProvider]ProviderAdapter, len(adapters)),
		breakers:     make(map[PaymentProvider]*gobreaker.CircuitBreaker[ProviderSubscriptionView], len(adapters)),
		policy:       retry.DefaultPolicy(),
		fetchTimeout: 10 * time.Second,
		log:          slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	r.policy.Retryable = IsTransient

	for _, a := range adapters {
		r.adapters[a.Provider()] = a
		r.breakers[a.Provider()] = gobreaker.NewCircuitBreaker[ProviderSubscriptionView](gobreaker.Settings{
			Name:        string(a.Provider()),
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Terminal provider answers are real answers; only transport-level
			// failures should open the circuit.
			IsSuccessful: func(err error) bool {
				return err == nil || !IsTransient(err)
			},
		})
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile pulls the current provider view for a user, resolves it, and
// persists the result.
//
// When the provider is unreachable after bounded retries, the last persisted
// state is returned together with ErrProviderUnavailable: callers show stale
// data rather than an error page, and must not treat the user as non-premium
// just because the provider was down.
func (r *Reconciler) Reconcile(ctx context.Context, userID uuid.UUID) (CanonicalStatus, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return CanonicalStatus{}, err
	}
	now := r.now()

	// Nothing to ask the provider about: no subscription, or a checkout that
	// has not produced one yet.
	if rec.Provider == ProviderNone || !rec.HasLiveSubscription() {
		return Canonical(rec, now), nil
	}

	adapter, ok := r.adapters[rec.Provider]
	if !ok {
		return Canonical(rec, now), errors.Join(ErrProviderNotConfigured, errors.New(string(rec.Provider)))
	}

	view, err := r.fetchView(ctx, adapter, rec.ProviderSubscriptionID)
	if err != nil {
		return r.reconcileFetchFailure(ctx, rec, err, now)
	}

	return r.apply(ctx, rec, view, now)
}

// apply runs a view through the resolver and persists the outcome. Shared by
// the pull path and webhook ingestion so both converge on identical state.
func (r *Reconciler) apply(ctx context.Context, rec *Record, view ProviderSubscriptionView, now time.Time) (CanonicalStatus, error) {
	res := Resolve(view, rec, now)

	if res.Regression {
		r.log.WarnContext(ctx, "provider view moved access window backward, keeping stored value",
			logger.UserID(rec.UserID),
			logger.Provider(rec.Provider),
			slog.Time("stored_access_until", rec.AccessUntil),
			slog.Time("view_access_until", accessWindowEnd(view)),
		)
	}
	if res.Changed {
		r.log.InfoContext(ctx, "subscription state changed",
			logger.UserID(rec.UserID),
			logger.Provider(rec.Provider),
			slog.String("from", string(rec.Status)),
			slog.String("to", string(res.Status)),
		)
	}

	res.Apply(rec, now)
	if view.ProviderSubscriptionID != "" {
		rec.ProviderSubscriptionID = view.ProviderSubscriptionID
	}
	if view.ProviderCustomerID != "" {
		rec.ProviderCustomerID = view.ProviderCustomerID
	}

	if err := r.store.Update(ctx, rec); err != nil {
		return Canonical(rec, now), err
	}
	return Canonical(rec, now), nil
}

// reconcileFetchFailure degrades a failed live fetch: transient failures fall
// back to stale data, a provider-terminal answer forces the local record into
// its final state.
func (r *Reconciler) reconcileFetchFailure(ctx context.Context, rec *Record, fetchErr error, now time.Time) (CanonicalStatus, error) {
	if errors.Is(fetchErr, ErrSubscriptionGone) || errors.Is(fetchErr, ErrCustomerGone) {
		status := StatusCanceled
		if errors.Is(fetchErr, ErrCustomerGone) || rec.AccessUntil.IsZero() {
			status = StatusInactive
		}
		rec.Status = status
		rec.IsPremium = rec.PremiumAt(now)
		rec.LastReconciledAt = now
		rec.UpdatedAt = now
		if err := r.store.Update(ctx, rec); err != nil {
			return Canonical(rec, now), err
		}
		r.log.InfoContext(ctx, "provider reported subscription gone, record closed out",
			logger.UserID(rec.UserID),
			logger.Provider(rec.Provider),
			logger.Error(fetchErr),
		)
		return Canonical(rec, now), nil
	}

	r.log.WarnContext(ctx, "provider fetch failed, returning last persisted state",
		logger.UserID(rec.UserID),
		logger.Provider(rec.Provider),
		logger.Error(fetchErr),
	)
	return Canonical(rec, now), fetchErr
}

// Status returns the canonical status, reconciling first when the stored
// state is older than maxStale. Provider unavailability degrades to the
// stored state without error: access gating fails open, new charges do not.
func (r *Reconciler) Status(ctx context.Context, userID uuid.UUID, maxStale time.Duration) (CanonicalStatus, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return CanonicalStatus{}, err
	}
	now := r.now()

	if maxStale > 0 && now.Sub(rec.LastReconciledAt) <= maxStale {
		return Canonical(rec, now), nil
	}

	cs, err := r.Reconcile(ctx, userID)
	if err != nil && IsTransient(err) {
		return cs, nil
	}
	return cs, err
}

// Cancel schedules a period-end cancellation at the provider and immediately
// reconciles, so the local record shows "canceled, access until X" without
// waiting for the webhook. Calling it again while the paid window still runs
// is a no-op returning current state; after the provider subscription has
// fully ended it returns ErrAlreadyEnded.
func (r *Reconciler) Cancel(ctx context.Context, userID uuid.UUID) (CanonicalStatus, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return CanonicalStatus{}, err
	}
	now := r.now()

	if !rec.HasLiveSubscription() {
		return Canonical(rec, now), ErrNoSubscription
	}

	switch rec.Status {
	case StatusActive, StatusPastDue:
	case StatusCanceled:
		if rec.AccessUntil.After(now) {
			return Canonical(rec, now), nil
		}
		return Canonical(rec, now), ErrAlreadyEnded
	default:
		return Canonical(rec, now), ErrNotCancellable
	}

	adapter, ok := r.adapters[rec.Provider]
	if !ok {
		return Canonical(rec, now), errors.Join(ErrProviderNotConfigured, errors.New(string(rec.Provider)))
	}

	if err := adapter.CancelAtPeriodEnd(ctx, rec.ProviderSubscriptionID); err != nil {
		if errors.Is(err, ErrSubscriptionGone) {
			return Canonical(rec, now), errors.Join(ErrAlreadyEnded, err)
		}
		return Canonical(rec, now), err
	}

	return r.Reconcile(ctx, userID)
}

// Reactivate clears a pending period-end cancellation. Valid only while the
// local status is canceled and the provider still holds the subscription in a
// non-terminal state; a provider-final subscription yields ErrAlreadyEnded.
func (r *Reconciler) Reactivate(ctx context.Context, userID uuid.UUID) (CanonicalStatus, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return CanonicalStatus{}, err
	}
	now := r.now()

	if rec.Status != StatusCanceled || !rec.HasLiveSubscription() {
		return Canonical(rec, now), ErrNotReactivatable
	}

	adapter, ok := r.adapters[rec.Provider]
	if !ok {
		return Canonical(rec, now), errors.Join(ErrProviderNotConfigured, errors.New(string(rec.Provider)))
	}

	view, err := r.fetchView(ctx, adapter, rec.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionGone) || errors.Is(err, ErrCustomerGone) {
			return Canonical(rec, now), errors.Join(ErrAlreadyEnded, err)
		}
		return Canonical(rec, now), err
	}
	if view.RawStatus == RawCanceled || view.RawStatus == RawIncompleteExpired {
		return Canonical(rec, now), ErrAlreadyEnded
	}

	if err := adapter.ClearCancellation(ctx, rec.ProviderSubscriptionID); err != nil {
		return Canonical(rec, now), err
	}

	return r.Reconcile(ctx, userID)
}

// CheckoutSession starts a hosted checkout for a plan. The chosen provider and
// a pending placeholder are persisted so the first webhook can be attributed;
// the canonical status stays untouched until provider events arrive.
func (r *Reconciler) CheckoutSession(ctx context.Context, userID uuid.UUID, provider PaymentProvider, planID string, params CheckoutParams) (CheckoutSession, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return CheckoutSession{}, err
	}
	now := r.now()

	if rec.PremiumAt(now) || (rec.HasLiveSubscription() && rec.Status != StatusCanceled && rec.Status != StatusInactive) {
		return CheckoutSession{}, ErrAlreadySubscribed
	}

	adapter, ok := r.adapters[provider]
	if !ok {
		return CheckoutSession{}, errors.Join(ErrProviderNotConfigured, errors.New(string(provider)))
	}

	plan, ok := r.catalog.Plan(planID)
	if !ok {
		return CheckoutSession{}, ErrPlanNotFound
	}
	priceID, ok := plan.PriceID(provider)
	if !ok {
		return CheckoutSession{}, errors.Join(ErrPlanNotFound, errors.New("plan has no price for provider "+string(provider)))
	}

	params.UserID = userID
	params.PriceID = priceID
	session, err := adapter.CreateCheckoutSession(ctx, params)
	if err != nil {
		return CheckoutSession{}, err
	}

	rec.Provider = provider
	rec.ProviderSubscriptionID = PendingSubscriptionRef(session.SessionID)
	if params.Email != "" {
		rec.Email = params.Email
	}
	rec.UpdatedAt = now
	if err := r.store.Update(ctx, rec); err != nil {
		return CheckoutSession{}, err
	}

	r.log.InfoContext(ctx, "checkout session created",
		logger.UserID(userID),
		logger.Provider(provider),
		logger.Plan(planID),
	)
	return session, nil
}

// PaymentMethodUpdateLink returns a provider-hosted page for updating the
// payment method. Pure delegation, no local state change.
func (r *Reconciler) PaymentMethodUpdateLink(ctx context.Context, userID uuid.UUID) (string, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if !rec.HasLiveSubscription() {
		return "", ErrNoSubscription
	}
	adapter, ok := r.adapters[rec.Provider]
	if !ok {
		return "", errors.Join(ErrProviderNotConfigured, errors.New(string(rec.Provider)))
	}
	return adapter.PaymentMethodUpdateURL(ctx, rec.ProviderCustomerID, rec.ProviderSubscriptionID)
}

// fetchView performs the breaker-guarded, retried provider fetch with a
// bounded per-attempt timeout. Breaker rejections surface as provider
// unavailability so callers degrade the same way as for network failures.
func (r *Reconciler) fetchView(ctx context.Context, adapter ProviderAdapter, subID string) (ProviderSubscriptionView, error) {
	breaker := r.breakers[adapter.Provider()]

	view, err := breaker.Execute(func() (ProviderSubscriptionView, error) {
		var v ProviderSubscriptionView
		err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
			defer cancel()

			var ferr error
			v, ferr = adapter.FetchSubscription(ctx, subID)
			return ferr
		})
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ProviderSubscriptionView{}, errors.Join(ErrProviderUnavailable, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ProviderSubscriptionView{}, errors.Join(ErrProviderUnavailable, err)
		}
		return ProviderSubscriptionView{}, err
	}
	return view, nil
}
