package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v79"
	stripeclient "github.com/stripe/stripe-go/v79/client"
	stripewebhook "github.com/stripe/stripe-go/v79/webhook"
)

// StripeConfig holds credentials for the Stripe adapter. The API key decides
// test vs live mode, so the environment is fixed per adapter instance at
// construction and never switched at runtime.
type StripeConfig struct {
	APIKey          string `env:"STRIPE_API_KEY"`
	WebhookSecret   string `env:"STRIPE_WEBHOOK_SECRET"`
	PortalReturnURL string `env:"STRIPE_PORTAL_RETURN_URL"`
}

// StripeAdapter implements ProviderAdapter for Stripe.
type StripeAdapter struct {
	client *stripeclient.API
	cfg    StripeConfig
}

// NewStripeAdapter creates a Stripe adapter with its own client instance.
// No process-global key is set.
func NewStripeAdapter(cfg StripeConfig) (*StripeAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("stripe API key is required"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("stripe webhook secret is required"))
	}

	sc := &stripeclient.API{}
	sc.Init(cfg.APIKey, nil)

	return &StripeAdapter{client: sc, cfg: cfg}, nil
}

func (a *StripeAdapter) Provider() PaymentProvider { return ProviderStripe }

// FetchSubscription returns the normalized view of a Stripe subscription.
func (a *StripeAdapter) FetchSubscription(ctx context.Context, providerSubscriptionID string) (ProviderSubscriptionView, error) {
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := a.client.Subscriptions.Get(providerSubscriptionID, params)
	if err != nil {
		return ProviderSubscriptionView{}, a.classify("fetch subscription", err)
	}
	return stripeView(sub), nil
}

// CreateCheckoutSession opens a hosted Checkout session in subscription mode.
// The user ID rides along twice: as the session's client reference and as
// metadata on the subscription itself, so every later webhook can be
// attributed without a lookup table.
func (a *StripeAdapter) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
		Mode:   stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.PriceID),
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(p.UserID.String()),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": p.UserID.String()},
		},
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}

	sess, err := a.client.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, a.classify("create checkout session", err)
	}

	cs := CheckoutSession{URL: sess.URL, SessionID: sess.ID}
	if sess.ExpiresAt > 0 {
		cs.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return cs, nil
}

// CancelAtPeriodEnd flips Stripe's first-class cancellation flag.
func (a *StripeAdapter) CancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string) error {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	if _, err := a.client.Subscriptions.Update(providerSubscriptionID, params); err != nil {
		return a.classify("cancel at period end", err)
	}
	return nil
}

// ClearCancellation removes the pending period-end cancellation.
func (a *StripeAdapter) ClearCancellation(ctx context.Context, providerSubscriptionID string) error {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	if _, err := a.client.Subscriptions.Update(providerSubscriptionID, params); err != nil {
		return a.classify("clear cancellation", err)
	}
	return nil
}

// PaymentMethodUpdateURL opens a billing-portal session for the customer.
func (a *StripeAdapter) PaymentMethodUpdateURL(ctx context.Context, customerID, _ string) (string, error) {
	if customerID == "" {
		return "", errors.Join(ErrProviderRejected, errors.New("stripe customer ID is required"))
	}
	params := &stripe.BillingPortalSessionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	}
	if a.cfg.PortalReturnURL != "" {
		params.ReturnURL = stripe.String(a.cfg.PortalReturnURL)
	}
	sess, err := a.client.BillingPortalSessions.New(params)
	if err != nil {
		return "", a.classify("create billing portal session", err)
	}
	return sess.URL, nil
}

// VerifyWebhook authenticates the delivery with Stripe's signed-payload scheme
// and normalizes the event. Subscription events carry the full object and need
// no network call; invoice events only reference the subscription.
func (a *StripeAdapter) VerifyWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookEvent, error) {
	stripeEvent, err := stripewebhook.ConstructEvent(payload, signatureHeader, a.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, errors.Join(ErrInvalidSignature, err)
	}

	event := WebhookEvent{
		ID:            stripeEvent.ID,
		Provider:      ProviderStripe,
		ProviderEvent: string(stripeEvent.Type),
		Kind:          EventUnknown,
	}

	switch string(stripeEvent.Type) {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		switch string(stripeEvent.Type) {
		case "customer.subscription.created":
			event.Kind = EventSubscriptionCreated
		case "customer.subscription.updated":
			event.Kind = EventSubscriptionUpdated
		default:
			event.Kind = EventSubscriptionDeleted
		}

		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return WebhookEvent{}, errors.Join(ErrMalformedEvent, err)
		}
		view := stripeView(&sub)
		event.View = &view
		event.SubscriptionID = sub.ID
		event.CustomerID = view.ProviderCustomerID
		if id, err := uuid.Parse(sub.Metadata["user_id"]); err == nil {
			event.UserID = id
		}

	case "invoice.payment_succeeded", "invoice.payment_failed":
		if string(stripeEvent.Type) == "invoice.payment_succeeded" {
			event.Kind = EventInvoicePaid
		} else {
			event.Kind = EventInvoicePaymentFailed
		}

		// Expandable fields arrive as bare IDs in webhook payloads.
		var inv struct {
			Subscription string `json:"subscription"`
			Customer     string `json:"customer"`
		}
		if err := json.Unmarshal(stripeEvent.Data.Raw, &inv); err != nil {
			return WebhookEvent{}, errors.Join(ErrMalformedEvent, err)
		}
		event.SubscriptionID = inv.Subscription
		event.CustomerID = inv.Customer

	case "checkout.session.completed":
		event.Kind = EventCheckoutCompleted

		var sess struct {
			ClientReferenceID string `json:"client_reference_id"`
			Customer          string `json:"customer"`
			Subscription      string `json:"subscription"`
		}
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sess); err != nil {
			return WebhookEvent{}, errors.Join(ErrMalformedEvent, err)
		}
		event.SubscriptionID = sess.Subscription
		event.CustomerID = sess.Customer
		if id, err := uuid.Parse(sess.ClientReferenceID); err == nil {
			event.UserID = id
		}
	}

	return event, nil
}

// stripeView normalizes a Stripe subscription object.
func stripeView(sub *stripe.Subscription) ProviderSubscriptionView {
	view := ProviderSubscriptionView{
		ProviderSubscriptionID: sub.ID,
		RawStatus:              stripeRawStatus(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		Interval:               IntervalMonth,
	}
	if sub.Customer != nil {
		view.ProviderCustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		view.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.BillingCycleAnchor > 0 {
		view.BillingCycleAnchor = time.Unix(sub.BillingCycleAnchor, 0).UTC()
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		view.PlanName = price.Nickname
		if price.Recurring != nil {
			view.Interval = Interval(price.Recurring.Interval)
		}
	}
	return view
}

// stripeRawStatus maps Stripe's status vocabulary into the shared one.
// Trialing counts as active (access is granted during the trial); paused
// behaves like unpaid: no renewal, access governed by the paid window.
func stripeRawStatus(s stripe.SubscriptionStatus) RawStatus {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return RawActive
	case stripe.SubscriptionStatusPastDue:
		return RawPastDue
	case stripe.SubscriptionStatusIncomplete:
		return RawIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return RawIncompleteExpired
	case stripe.SubscriptionStatusCanceled:
		return RawCanceled
	default:
		return RawUnpaid
	}
}

// classify folds Stripe error shapes into the engine's error classes.
func (a *StripeAdapter) classify(op string, err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		wrapped := fmt.Errorf("stripe: %s: %w", op, err)
		switch {
		case sErr.HTTPStatusCode >= 500 || sErr.HTTPStatusCode == 429:
			return errors.Join(ErrProviderUnavailable, wrapped)
		case sErr.Code == stripe.ErrorCodeResourceMissing:
			if strings.HasPrefix(sErr.Param, "customer") {
				return errors.Join(ErrCustomerGone, wrapped)
			}
			return errors.Join(ErrSubscriptionGone, wrapped)
		default:
			return errors.Join(ErrProviderRejected, wrapped)
		}
	}
	// Anything that never produced a Stripe response is transport trouble.
	return errors.Join(ErrProviderUnavailable, fmt.Errorf("stripe: %s: %w", op, err))
}
