package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	stripewebhook "github.com/stripe/stripe-go/v79/webhook"
)

func TestStripeRawStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   stripe.SubscriptionStatus
		want RawStatus
	}{
		{stripe.SubscriptionStatusActive, RawActive},
		{stripe.SubscriptionStatusTrialing, RawActive},
		{stripe.SubscriptionStatusPastDue, RawPastDue},
		{stripe.SubscriptionStatusIncomplete, RawIncomplete},
		{stripe.SubscriptionStatusIncompleteExpired, RawIncompleteExpired},
		{stripe.SubscriptionStatusCanceled, RawCanceled},
		{stripe.SubscriptionStatusUnpaid, RawUnpaid},
		{stripe.SubscriptionStatusPaused, RawUnpaid},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, stripeRawStatus(tt.in))
		})
	}
}

func TestStripeView(t *testing.T) {
	t.Parallel()

	periodEnd := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	anchor := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	sub := &stripe.Subscription{
		ID:                 "sub_123",
		Status:             stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd:  true,
		CurrentPeriodEnd:   periodEnd.Unix(),
		BillingCycleAnchor: anchor.Unix(),
		Customer:           &stripe.Customer{ID: "cus_123"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				Price: &stripe.Price{
					Nickname:  "Premium Yearly",
					Recurring: &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalYear},
				},
			}},
		},
	}

	view := stripeView(sub)
	assert.Equal(t, "sub_123", view.ProviderSubscriptionID)
	assert.Equal(t, "cus_123", view.ProviderCustomerID)
	assert.Equal(t, RawActive, view.RawStatus)
	assert.True(t, view.CancelAtPeriodEnd)
	assert.True(t, periodEnd.Equal(view.CurrentPeriodEnd))
	assert.True(t, anchor.Equal(view.BillingCycleAnchor))
	assert.Equal(t, "Premium Yearly", view.PlanName)
	assert.Equal(t, IntervalYear, view.Interval)
}

func TestStripeView_SparseObject(t *testing.T) {
	t.Parallel()

	// Webhook payload slices can lack customer, period and pricing info.
	view := stripeView(&stripe.Subscription{
		ID:     "sub_min",
		Status: stripe.SubscriptionStatusIncomplete,
	})
	assert.Equal(t, RawIncomplete, view.RawStatus)
	assert.Empty(t, view.ProviderCustomerID)
	assert.True(t, view.CurrentPeriodEnd.IsZero())
	assert.Empty(t, view.PlanName)
	assert.Equal(t, IntervalMonth, view.Interval)
}

func TestStripeClassify(t *testing.T) {
	t.Parallel()

	a := &StripeAdapter{}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "server error is transient",
			err:  &stripe.Error{HTTPStatusCode: 503},
			want: ErrProviderUnavailable,
		},
		{
			name: "rate limit is transient",
			err:  &stripe.Error{HTTPStatusCode: 429},
			want: ErrProviderUnavailable,
		},
		{
			name: "missing subscription",
			err:  &stripe.Error{HTTPStatusCode: 404, Code: stripe.ErrorCodeResourceMissing, Param: "subscription"},
			want: ErrSubscriptionGone,
		},
		{
			name: "missing customer",
			err:  &stripe.Error{HTTPStatusCode: 404, Code: stripe.ErrorCodeResourceMissing, Param: "customer"},
			want: ErrCustomerGone,
		},
		{
			name: "other API rejection",
			err:  &stripe.Error{HTTPStatusCode: 400, Code: stripe.ErrorCodeParameterInvalidEmpty},
			want: ErrProviderRejected,
		},
		{
			name: "transport failure",
			err:  context.DeadlineExceeded,
			want: ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, a.classify("fetch subscription", tt.err), tt.want)
		})
	}
}

func signStripePayload(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	now := time.Now()
	sig := stripewebhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%x", now.Unix(), sig)
}

func TestStripeVerifyWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const secret = "whsec_test"
	a := &StripeAdapter{cfg: StripeConfig{APIKey: "sk_test", WebhookSecret: secret}}

	t.Run("subscription event carries an embedded view", func(t *testing.T) {
		t.Parallel()

		payload := []byte(fmt.Sprintf(`{
			"id": "evt_1",
			"api_version": %q,
			"type": "customer.subscription.updated",
			"data": {"object": {
				"id": "sub_123",
				"status": "active",
				"cancel_at_period_end": true,
				"current_period_end": 1767225600,
				"customer": "cus_123",
				"metadata": {"user_id": "a2aa0cee-4547-4f14-9fba-65c8ac4a2b9f"}
			}}
		}`, stripe.APIVersion))

		event, err := a.VerifyWebhook(ctx, payload, signStripePayload(t, payload, secret))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", event.ID)
		assert.Equal(t, EventSubscriptionUpdated, event.Kind)
		assert.Equal(t, "sub_123", event.SubscriptionID)
		assert.Equal(t, "a2aa0cee-4547-4f14-9fba-65c8ac4a2b9f", event.UserID.String())
		require.NotNil(t, event.View)
		assert.Equal(t, RawActive, event.View.RawStatus)
		assert.True(t, event.View.CancelAtPeriodEnd)
	})

	t.Run("invoice event references the subscription only", func(t *testing.T) {
		t.Parallel()

		payload := []byte(fmt.Sprintf(`{
			"id": "evt_2",
			"api_version": %q,
			"type": "invoice.payment_failed",
			"data": {"object": {"subscription": "sub_123", "customer": "cus_123"}}
		}`, stripe.APIVersion))

		event, err := a.VerifyWebhook(ctx, payload, signStripePayload(t, payload, secret))
		require.NoError(t, err)
		assert.Equal(t, EventInvoicePaymentFailed, event.Kind)
		assert.Equal(t, "sub_123", event.SubscriptionID)
		assert.Nil(t, event.View)
	})

	t.Run("checkout completion maps the client reference", func(t *testing.T) {
		t.Parallel()

		payload := []byte(fmt.Sprintf(`{
			"id": "evt_3",
			"api_version": %q,
			"type": "checkout.session.completed",
			"data": {"object": {
				"client_reference_id": "a2aa0cee-4547-4f14-9fba-65c8ac4a2b9f",
				"customer": "cus_123",
				"subscription": ""
			}}
		}`, stripe.APIVersion))

		event, err := a.VerifyWebhook(ctx, payload, signStripePayload(t, payload, secret))
		require.NoError(t, err)
		assert.Equal(t, EventCheckoutCompleted, event.Kind)
		assert.Equal(t, "a2aa0cee-4547-4f14-9fba-65c8ac4a2b9f", event.UserID.String())
		assert.Empty(t, event.SubscriptionID)
	})

	t.Run("unhandled event types map to unknown", func(t *testing.T) {
		t.Parallel()

		payload := []byte(fmt.Sprintf(`{
			"id": "evt_4",
			"api_version": %q,
			"type": "customer.created",
			"data": {"object": {}}
		}`, stripe.APIVersion))

		event, err := a.VerifyWebhook(ctx, payload, signStripePayload(t, payload, secret))
		require.NoError(t, err)
		assert.Equal(t, EventUnknown, event.Kind)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()

		payload := []byte(fmt.Sprintf(`{"id": "evt_5", "api_version": %q, "type": "customer.created", "data": {"object": {}}}`, stripe.APIVersion))
		_, err := a.VerifyWebhook(ctx, payload, signStripePayload(t, payload, "whsec_other"))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("garbage header", func(t *testing.T) {
		t.Parallel()

		_, err := a.VerifyWebhook(ctx, []byte(`{}`), "not a signature")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}
