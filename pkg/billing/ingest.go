package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/symptomkit/symptomkit/pkg/logger"
)

// Ingestor processes provider webhook deliveries: verify, deduplicate,
// resolve, persist, in that order.
//
// Delivery is at-least-once on the provider side, so the dedup claim is
// mandatory correctness, not an optimization. The claim is taken before the
// store update and released again if that update fails, which keeps the
// business side effect at-least-once too: a failed persist leaves the event
// unclaimed for the provider's redelivery.
type Ingestor struct {
	reconciler *Reconciler
	store      Store
	events     EventStore
	notifier   Notifier
	log        *slog.Logger
}

// NewIngestor wires the webhook push path onto the same resolver and store as
// the pull path.
func NewIngestor(reconciler *Reconciler, store Store, events EventStore, notifier Notifier, log *slog.Logger) *Ingestor {
	if reconciler == nil {
		panic("billing: Reconciler is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}
	if events == nil {
		panic("billing: EventStore is required")
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		reconciler: reconciler,
		store:      store,
		events:     events,
		notifier:   notifier,
		log:        log,
	}
}

// Ingest handles one raw webhook delivery for the named provider.
//
// Return values map to HTTP responses at the edge: nil means ack (including
// duplicates and unrecognized event types), ErrInvalidSignature and
// ErrUnknownProvider are client-class rejections, anything else is a
// retryable server failure the provider should redeliver for.
func (i *Ingestor) Ingest(ctx context.Context, provider PaymentProvider, payload []byte, signatureHeader string) error {
	adapter, ok := i.reconciler.adapters[provider]
	if !ok {
		return errors.Join(ErrUnknownProvider, errors.New(string(provider)))
	}

	event, err := adapter.VerifyWebhook(ctx, payload, signatureHeader)
	if err != nil {
		return err
	}

	if event.Kind == EventUnknown {
		i.log.DebugContext(ctx, "ignoring unrecognized webhook event",
			logger.Provider(provider),
			logger.EventType(event.ProviderEvent),
		)
		return nil
	}

	claimed, err := i.events.ClaimEvent(ctx, provider, event.ID)
	if err != nil {
		return err
	}
	if !claimed {
		i.log.DebugContext(ctx, "duplicate webhook event acknowledged",
			logger.Provider(provider),
			logger.EventID(event.ID),
		)
		return nil
	}

	if err := i.process(ctx, adapter, event); err != nil {
		if releaseErr := i.events.ReleaseEvent(ctx, provider, event.ID); releaseErr != nil {
			i.log.ErrorContext(ctx, "failed to release webhook event claim",
				logger.Provider(provider),
				logger.EventID(event.ID),
				logger.Errors(err, releaseErr),
			)
		}
		return err
	}
	return nil
}

// process applies the single store update for a claimed event.
func (i *Ingestor) process(ctx context.Context, adapter ProviderAdapter, event WebhookEvent) error {
	rec, err := i.locateRecord(ctx, event)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			// An event for a user this system never saw. Ack it: redelivery
			// cannot fix attribution, and the reconcile pull path will catch
			// up if the record appears later.
			i.log.WarnContext(ctx, "webhook event could not be attributed to a record",
				logger.Provider(event.Provider),
				logger.EventID(event.ID),
				logger.EventType(event.ProviderEvent),
			)
			return nil
		}
		return err
	}

	view := event.View
	if view == nil {
		if event.SubscriptionID == "" {
			// Checkout completed but the subscription object does not exist
			// yet. The subscription.created event that follows carries the
			// real state; nothing to resolve here.
			i.log.DebugContext(ctx, "checkout event precedes subscription, acknowledged",
				logger.Provider(event.Provider),
				logger.EventID(event.ID),
			)
			return nil
		}
		// Invoice-shaped events carry no cancellation flag; only a full fetch
		// can resolve state.
		fetched, err := i.reconciler.fetchView(ctx, adapter, event.SubscriptionID)
		if err != nil {
			return err
		}
		view = &fetched
	}

	now := i.reconciler.now()
	prevPremium := rec.PremiumAt(now)

	if _, err := i.reconciler.apply(ctx, rec, *view, now); err != nil {
		return err
	}

	i.notify(ctx, event, rec, prevPremium)
	return nil
}

// locateRecord resolves the event to a user record: checkout metadata first,
// then the provider subscription ID.
func (i *Ingestor) locateRecord(ctx context.Context, event WebhookEvent) (*Record, error) {
	if event.UserID != uuid.Nil {
		rec, err := i.store.Get(ctx, event.UserID)
		if err != nil {
			return nil, err
		}
		// First subscription event after checkout: bind the real provider IDs
		// over the pending placeholder.
		if rec.Provider == ProviderNone {
			rec.Provider = event.Provider
		}
		return rec, nil
	}
	if event.SubscriptionID == "" {
		// A one-off invoice or a checkout without metadata. Not malformed,
		// just not attributable to any subscriber.
		return nil, errors.Join(ErrRecordNotFound, errors.New("event carries neither user ID nor subscription ID"))
	}
	return i.store.GetBySubscriptionID(ctx, event.Provider, event.SubscriptionID)
}

// notify fires best-effort billing notifications. Failures are logged, never
// propagated: a down mail service must not make the provider redeliver.
func (i *Ingestor) notify(ctx context.Context, event WebhookEvent, rec *Record, prevPremium bool) {
	var err error
	switch event.Kind {
	case EventInvoicePaymentFailed:
		err = i.notifier.PaymentFailed(ctx, rec.UserID, rec.PlanName)
	case EventSubscriptionDeleted:
		if prevPremium && !rec.IsPremium {
			err = i.notifier.SubscriptionEnded(ctx, rec.UserID, rec.PlanName)
		}
	default:
		return
	}
	if err != nil {
		i.log.WarnContext(ctx, "billing notification failed",
			logger.UserID(rec.UserID),
			logger.EventType(event.ProviderEvent),
			logger.Error(err),
		)
	}
}
