package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
)

// PaddleConfig holds credentials for the Paddle adapter. Environment is an
// explicit, immutable construction-time choice between sandbox and production.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	SuccessURL    string `env:"PADDLE_SUCCESS_URL"`
}

// PaddleAdapter implements ProviderAdapter for Paddle.
type PaddleAdapter struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	cfg      PaddleConfig
}

// NewPaddleAdapter creates a Paddle adapter bound to one environment.
func NewPaddleAdapter(cfg PaddleConfig) (*PaddleAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("paddle API key is required"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("paddle webhook secret is required"))
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, errors.Join(ErrProviderNotConfigured, fmt.Errorf("invalid paddle environment: %s", cfg.Environment))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleAdapter{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		cfg:      cfg,
	}, nil
}

func (a *PaddleAdapter) Provider() PaymentProvider { return ProviderPaddle }

// FetchSubscription returns the normalized view of a Paddle subscription.
func (a *PaddleAdapter) FetchSubscription(ctx context.Context, providerSubscriptionID string) (ProviderSubscriptionView, error) {
	sub, err := a.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: providerSubscriptionID,
	})
	if err != nil {
		return ProviderSubscriptionView{}, a.classify("fetch subscription", err)
	}

	view := ProviderSubscriptionView{
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.CustomerID,
		RawStatus:              paddleRawStatus(string(sub.Status)),
		Interval:               Interval(sub.BillingCycle.Interval),
	}

	// Paddle has no first-class cancel-at-period-end flag. A pending "cancel"
	// scheduled change is the explicit form; an active subscription with no
	// next billing date is the implicit one.
	if sub.ScheduledChange != nil && string(sub.ScheduledChange.Action) == "cancel" {
		view.CancelAtPeriodEnd = true
	} else if view.RawStatus == RawActive && sub.NextBilledAt == nil {
		view.CancelAtPeriodEnd = true
	}

	if sub.CurrentBillingPeriod != nil {
		view.CurrentPeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
		view.BillingCycleAnchor = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
	}
	if len(sub.Items) > 0 && sub.Items[0].Price.Name != nil {
		view.PlanName = *sub.Items[0].Price.Name
	}

	return view, nil
}

// CreateCheckoutSession creates a Paddle transaction for the catalog price.
// The user ID travels in custom data so webhook events can be attributed.
func (a *PaddleAdapter) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  p.PriceID,
		Quantity: 1,
	})

	req := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"user_id": p.UserID.String(),
		},
	}
	if p.Email != "" {
		req.CustomData["email"] = p.Email
	}
	successURL := p.SuccessURL
	if successURL == "" {
		successURL = a.cfg.SuccessURL
	}
	if successURL != "" {
		req.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(successURL)}
	}

	txn, err := a.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return CheckoutSession{}, a.classify("create transaction", err)
	}

	var checkoutURL string
	if txn.Checkout != nil && txn.Checkout.URL != nil {
		checkoutURL = *txn.Checkout.URL
	}
	if checkoutURL == "" {
		return CheckoutSession{}, errors.Join(ErrProviderRejected, errors.New("no checkout URL returned from paddle"))
	}

	return CheckoutSession{
		URL:       checkoutURL,
		SessionID: txn.ID,
		ExpiresAt: time.Now().Add(24 * time.Hour).UTC(),
	}, nil
}

// CancelAtPeriodEnd schedules the cancellation for the next billing period,
// Paddle's equivalent of "keep access until the paid period ends".
func (a *PaddleAdapter) CancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string) error {
	_, err := a.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: providerSubscriptionID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
	})
	if err != nil {
		return a.classify("cancel subscription", err)
	}
	return nil
}

// ClearCancellation removes the pending scheduled change.
func (a *PaddleAdapter) ClearCancellation(ctx context.Context, providerSubscriptionID string) error {
	_, err := a.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:  providerSubscriptionID,
		ScheduledChange: paddle.NewPatchField[*paddle.SubscriptionScheduledChange](nil),
	})
	if err != nil {
		return a.classify("clear scheduled cancellation", err)
	}
	return nil
}

// PaymentMethodUpdateURL opens a customer portal session and prefers the
// subscription's dedicated payment-method page over the general overview.
func (a *PaddleAdapter) PaymentMethodUpdateURL(ctx context.Context, customerID, providerSubscriptionID string) (string, error) {
	if customerID == "" {
		return "", errors.Join(ErrProviderRejected, errors.New("paddle customer ID is required"))
	}

	sess, err := a.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID:      customerID,
		SubscriptionIDs: []string{providerSubscriptionID},
	})
	if err != nil {
		return "", a.classify("create customer portal session", err)
	}

	for _, subURL := range sess.URLs.Subscriptions {
		if subURL.ID == providerSubscriptionID && subURL.UpdateSubscriptionPaymentMethod != "" {
			return subURL.UpdateSubscriptionPaymentMethod, nil
		}
	}
	if sess.URLs.General.Overview != "" {
		return sess.URLs.General.Overview, nil
	}
	return "", errors.Join(ErrProviderRejected, errors.New("no portal URL returned from paddle"))
}

// paddleEventPayload is the slice of a Paddle webhook body the engine needs.
type paddleEventPayload struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		ID             string         `json:"id"`
		Status         string         `json:"status"`
		CustomerID     string         `json:"customer_id"`
		SubscriptionID string         `json:"subscription_id"` // transaction events
		NextBilledAt   *string        `json:"next_billed_at"`
		CustomData     map[string]any `json:"custom_data"`

		ScheduledChange *struct {
			Action string `json:"action"`
		} `json:"scheduled_change"`

		CurrentBillingPeriod *struct {
			StartsAt string `json:"starts_at"`
			EndsAt   string `json:"ends_at"`
		} `json:"current_billing_period"`

		BillingCycle *struct {
			Interval string `json:"interval"`
		} `json:"billing_cycle"`

		Items []struct {
			Price struct {
				Name string `json:"name"`
			} `json:"price"`
		} `json:"items"`
	} `json:"data"`
}

// VerifyWebhook authenticates the delivery against the webhook secret and
// normalizes the event. Subscription events embed enough of the object to
// build a view; transaction events only reference the subscription.
func (a *PaddleAdapter) VerifyWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookEvent, error) {
	// The SDK verifier consumes an http.Request, so rebuild one around the
	// raw body.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("paddle: build verification request: %w", err)
	}
	req.Header.Set("Paddle-Signature", signatureHeader)

	valid, err := a.verifier.Verify(req)
	if err != nil {
		return WebhookEvent{}, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return WebhookEvent{}, ErrInvalidSignature
	}

	var pe paddleEventPayload
	if err := json.Unmarshal(payload, &pe); err != nil {
		return WebhookEvent{}, errors.Join(ErrMalformedEvent, err)
	}

	return paddleEvent(pe), nil
}

// paddleEvent normalizes a verified Paddle payload into a WebhookEvent.
func paddleEvent(pe paddleEventPayload) WebhookEvent {
	event := WebhookEvent{
		ID:            pe.EventID,
		Provider:      ProviderPaddle,
		ProviderEvent: pe.EventType,
		Kind:          EventUnknown,
	}
	if raw, ok := pe.Data.CustomData["user_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			event.UserID = id
		}
	}

	switch pe.EventType {
	case "subscription.created", "subscription.updated", "subscription.canceled":
		switch pe.EventType {
		case "subscription.created":
			event.Kind = EventSubscriptionCreated
		case "subscription.updated":
			event.Kind = EventSubscriptionUpdated
		default:
			event.Kind = EventSubscriptionDeleted
		}
		event.SubscriptionID = pe.Data.ID
		event.CustomerID = pe.Data.CustomerID
		view := paddleEventView(pe)
		event.View = &view

	case "transaction.completed":
		// Initial checkout lands here before any subscription event exists;
		// renewals land here too, with the subscription reference set.
		event.CustomerID = pe.Data.CustomerID
		if pe.Data.SubscriptionID != "" {
			event.Kind = EventInvoicePaid
			event.SubscriptionID = pe.Data.SubscriptionID
		} else {
			event.Kind = EventCheckoutCompleted
		}

	case "transaction.payment_failed":
		event.Kind = EventInvoicePaymentFailed
		event.CustomerID = pe.Data.CustomerID
		event.SubscriptionID = pe.Data.SubscriptionID
	}

	return event
}

// paddleEventView builds a view from the subscription object embedded in a
// webhook payload.
func paddleEventView(pe paddleEventPayload) ProviderSubscriptionView {
	view := ProviderSubscriptionView{
		ProviderSubscriptionID: pe.Data.ID,
		ProviderCustomerID:     pe.Data.CustomerID,
		RawStatus:              paddleRawStatus(pe.Data.Status),
		Interval:               IntervalMonth,
	}
	if pe.Data.BillingCycle != nil {
		view.Interval = Interval(pe.Data.BillingCycle.Interval)
	}
	if pe.Data.ScheduledChange != nil && pe.Data.ScheduledChange.Action == "cancel" {
		view.CancelAtPeriodEnd = true
	} else if view.RawStatus == RawActive && pe.Data.NextBilledAt == nil {
		view.CancelAtPeriodEnd = true
	}
	if pe.Data.CurrentBillingPeriod != nil {
		view.CurrentPeriodEnd = parsePaddleTime(pe.Data.CurrentBillingPeriod.EndsAt)
		view.BillingCycleAnchor = parsePaddleTime(pe.Data.CurrentBillingPeriod.StartsAt)
	}
	if len(pe.Data.Items) > 0 {
		view.PlanName = pe.Data.Items[0].Price.Name
	}
	return view
}

// paddleRawStatus maps Paddle's status vocabulary into the shared one.
// Trialing grants access like active; paused stops renewal without refund, so
// it behaves like unpaid. Paddle has no incomplete phase: subscriptions only
// come into existence after the first successful transaction.
func paddleRawStatus(s string) RawStatus {
	switch strings.ToLower(s) {
	case "active", "trialing":
		return RawActive
	case "past_due":
		return RawPastDue
	case "canceled", "cancelled":
		return RawCanceled
	case "paused", "unpaid":
		return RawUnpaid
	default:
		return RawCanceled
	}
}

func parsePaddleTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// classify folds Paddle error shapes into the engine's error classes. The SDK
// does not expose a stable typed error surface for every failure, so the
// provider's error codes are matched on the message.
func (a *PaddleAdapter) classify(op string, err error) error {
	wrapped := fmt.Errorf("paddle: %s: %w", op, err)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(ErrProviderUnavailable, wrapped)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "subscription") && strings.Contains(msg, "not_found"),
		strings.Contains(msg, "entity_not_found"):
		return errors.Join(ErrSubscriptionGone, wrapped)
	case strings.Contains(msg, "customer") && strings.Contains(msg, "not_found"):
		return errors.Join(ErrCustomerGone, wrapped)
	case strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "validation"),
		strings.Contains(msg, "invalid"):
		return errors.Join(ErrProviderRejected, wrapped)
	default:
		return errors.Join(ErrProviderUnavailable, wrapped)
	}
}
