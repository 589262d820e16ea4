package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	billingmod "github.com/symptomkit/symptomkit/modules/billing"
	"github.com/symptomkit/symptomkit/pkg/analyzer"
	"github.com/symptomkit/symptomkit/pkg/billing"
	"github.com/symptomkit/symptomkit/pkg/quota"
	"github.com/symptomkit/symptomkit/pkg/ratelimit"
)

// stubAdapter is a minimal ProviderAdapter for HTTP-level tests.
type stubAdapter struct {
	provider    billing.PaymentProvider
	fetchFunc   func(ctx context.Context, subID string) (billing.ProviderSubscriptionView, error)
	webhookFunc func(ctx context.Context, payload []byte, sig string) (billing.WebhookEvent, error)
}

func (a *stubAdapter) Provider() billing.PaymentProvider { return a.provider }

func (a *stubAdapter) FetchSubscription(ctx context.Context, subID string) (billing.ProviderSubscriptionView, error) {
	if a.fetchFunc == nil {
		return billing.ProviderSubscriptionView{}, billing.ErrSubscriptionGone
	}
	return a.fetchFunc(ctx, subID)
}

func (a *stubAdapter) CreateCheckoutSession(_ context.Context, _ billing.CheckoutParams) (billing.CheckoutSession, error) {
	return billing.CheckoutSession{URL: "https://checkout.example.com/cs_1", SessionID: "cs_1"}, nil
}

func (a *stubAdapter) CancelAtPeriodEnd(context.Context, string) error { return nil }
func (a *stubAdapter) ClearCancellation(context.Context, string) error { return nil }

func (a *stubAdapter) PaymentMethodUpdateURL(context.Context, string, string) (string, error) {
	return "https://billing.example.com/update", nil
}

func (a *stubAdapter) VerifyWebhook(ctx context.Context, payload []byte, sig string) (billing.WebhookEvent, error) {
	if a.webhookFunc == nil {
		return billing.WebhookEvent{}, billing.ErrInvalidSignature
	}
	return a.webhookFunc(ctx, payload, sig)
}

type serviceEnv struct {
	store   *billing.MemoryStore
	adapter *stubAdapter
	userID  uuid.UUID
	handler http.Handler
}

func newServiceEnv(t *testing.T, opts ...billingmod.ServiceOption) *serviceEnv {
	t.Helper()

	env := &serviceEnv{
		store:   billing.NewMemoryStore(),
		adapter: &stubAdapter{provider: billing.ProviderStripe},
		userID:  uuid.New(),
	}
	_, err := env.store.Create(context.Background(), env.userID)
	require.NoError(t, err)

	catalog, err := billing.NewCatalog(billing.Plan{
		ID:            "premium_monthly",
		Name:          "Premium Monthly",
		StripePriceID: "price_123",
		Interval:      billing.IntervalMonth,
	})
	require.NoError(t, err)

	reconciler := billing.NewReconciler(env.store, catalog, []billing.ProviderAdapter{env.adapter})
	ingestor := billing.NewIngestor(reconciler, env.store, env.store, nil, nil)
	counter := quota.NewCounter(env.store, quota.WithLimit(2))

	svc := billingmod.NewService(reconciler, ingestor, counter, opts...)
	env.handler = svc.Handle()
	return env
}

func (e *serviceEnv) request(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set(billingmod.UserIDHeader, e.userID.String())
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) billingmod.JSONResponse {
	t.Helper()
	var resp billingmod.JSONResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *serviceEnv) makePremium(t *testing.T, until time.Time) {
	t.Helper()

	rec, err := e.store.Get(context.Background(), e.userID)
	require.NoError(t, err)
	rec.Provider = billing.ProviderStripe
	rec.ProviderSubscriptionID = "sub_1"
	rec.Status = billing.StatusActive
	rec.IsPremium = true
	rec.AccessUntil = until
	rec.PlanName = "Premium Monthly"
	rec.LastReconciledAt = time.Now().UTC()
	require.NoError(t, e.store.Update(context.Background(), rec))
}

func TestService_Authentication(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t)

	t.Run("missing identity", func(t *testing.T) {
		t.Parallel()

		rec := env.request(t, http.MethodGet, "/subscription", nil, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("malformed identity", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
		req.Header.Set(billingmod.UserIDHeader, "not-a-uuid")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestService_SubscriptionStatus(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t)
	env.makePremium(t, time.Now().UTC().Add(20*24*time.Hour))

	rec := env.request(t, http.MethodGet, "/subscription", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "subscription", resp.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var status billing.CanonicalStatus
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, billing.StatusActive, status.Status)
	assert.True(t, status.IsPremium)
}

func TestService_Checkout(t *testing.T) {
	t.Parallel()

	t.Run("creates a session", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/subscription/checkout", map[string]string{
			"provider": "stripe",
			"plan_id":  "premium_monthly",
			"email":    "user@example.com",
		}, true)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeEnvelope(t, rec)
		assert.Equal(t, "checkout_session", resp.Code)
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/subscription/checkout", map[string]string{
			"provider": "apple",
			"plan_id":  "premium_monthly",
		}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing plan", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/subscription/checkout", map[string]string{
			"provider": "stripe",
		}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/subscription/checkout", map[string]string{
			"provider": "stripe",
			"plan_id":  "enterprise",
		}, true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "plan_not_found", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("already subscribed", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		env.makePremium(t, time.Now().UTC().Add(20*24*time.Hour))

		rec := env.request(t, http.MethodPost, "/subscription/checkout", map[string]string{
			"provider": "stripe",
			"plan_id":  "premium_monthly",
		}, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "already_subscribed", decodeEnvelope(t, rec).Error.Code)
	})
}

func TestService_CancelReactivate(t *testing.T) {
	t.Parallel()

	t.Run("cancel without a subscription", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/subscription/cancel", nil, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "no_subscription", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("cancel an active subscription", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		until := time.Now().UTC().Add(20 * 24 * time.Hour)
		env.makePremium(t, until)
		env.adapter.fetchFunc = func(ctx context.Context, subID string) (billing.ProviderSubscriptionView, error) {
			return billing.ProviderSubscriptionView{
				ProviderSubscriptionID: "sub_1",
				RawStatus:              billing.RawActive,
				CancelAtPeriodEnd:      true,
				CurrentPeriodEnd:       until,
				PlanName:               "Premium Monthly",
			}, nil
		}

		rec := env.request(t, http.MethodPost, "/subscription/cancel", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)

		data, err := json.Marshal(decodeEnvelope(t, rec).Data)
		require.NoError(t, err)
		var status billing.CanonicalStatus
		require.NoError(t, json.Unmarshal(data, &status))
		assert.Equal(t, billing.StatusCanceled, status.Status)
		assert.True(t, status.IsPremium, "access runs until the period ends")
		assert.True(t, status.CancelAtPeriodEnd)
	})

	t.Run("reactivate without a cancellation", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		env.makePremium(t, time.Now().UTC().Add(20*24*time.Hour))

		rec := env.request(t, http.MethodPost, "/subscription/reactivate", nil, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "not_reactivatable", decodeEnvelope(t, rec).Error.Code)
	})
}

func TestService_PaymentMethodUpdate(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t)
	env.makePremium(t, time.Now().UTC().Add(20*24*time.Hour))

	rec := env.request(t, http.MethodGet, "/subscription/payment-method-update", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "payment_method_update", resp.Code)
}

func TestService_Webhook(t *testing.T) {
	t.Parallel()

	t.Run("unknown provider path", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/webhooks/apple", map[string]string{}, false)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("provider without an adapter", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/webhooks/paddle", map[string]string{}, false)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_signature", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("valid event is acknowledged, duplicates too", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		until := time.Now().UTC().Add(20 * 24 * time.Hour)
		env.makePremium(t, until)
		env.adapter.webhookFunc = func(ctx context.Context, payload []byte, sig string) (billing.WebhookEvent, error) {
			view := billing.ProviderSubscriptionView{
				ProviderSubscriptionID: "sub_1",
				RawStatus:              billing.RawActive,
				CurrentPeriodEnd:       until.Add(30 * 24 * time.Hour),
				PlanName:               "Premium Monthly",
			}
			return billing.WebhookEvent{
				ID:             "evt_http_1",
				Kind:           billing.EventSubscriptionUpdated,
				ProviderEvent:  "customer.subscription.updated",
				Provider:       billing.ProviderStripe,
				SubscriptionID: "sub_1",
				View:           &view,
			}, nil
		}

		rec := env.request(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, false)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.request(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, false)
		assert.Equal(t, http.StatusOK, rec.Code, "redelivery is acknowledged without reprocessing")
	})

	t.Run("processing failure asks for redelivery", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		env.adapter.webhookFunc = func(ctx context.Context, payload []byte, sig string) (billing.WebhookEvent, error) {
			return billing.WebhookEvent{
				ID:             "evt_http_2",
				Kind:           billing.EventInvoicePaid,
				ProviderEvent:  "invoice.payment_succeeded",
				Provider:       billing.ProviderStripe,
				SubscriptionID: "sub_missing",
			}, nil
		}
		env.adapter.fetchFunc = func(ctx context.Context, subID string) (billing.ProviderSubscriptionView, error) {
			return billing.ProviderSubscriptionView{}, errors.New("store timeout")
		}

		// The event cannot be attributed, which acks; force a store-level
		// failure instead via an attributable event and a failing fetch.
		seedRec, err := env.store.Get(context.Background(), env.userID)
		require.NoError(t, err)
		seedRec.Provider = billing.ProviderStripe
		seedRec.ProviderSubscriptionID = "sub_missing"
		seedRec.Status = billing.StatusActive
		require.NoError(t, env.store.Update(context.Background(), seedRec))

		rec := env.request(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, false)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestService_Usage(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t)

	rec := env.request(t, http.MethodGet, "/usage", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "usage", resp.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var usage struct {
		Count     int `json:"count"`
		Limit     int `json:"limit"`
		Remaining int `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(data, &usage))
	assert.Equal(t, 0, usage.Count)
	assert.Equal(t, 2, usage.Limit)
	assert.Equal(t, 2, usage.Remaining)
}

func newAnalyzerClient(t *testing.T) *analyzer.Client {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(analyzer.Result{
			Summary:    "likely a common cold",
			Urgency:    "self_care",
			Disclaimer: "not medical advice",
		})
	}))
	t.Cleanup(upstream.Close)

	client, err := analyzer.NewClient(analyzer.Config{
		BaseURL: upstream.URL,
		APIKey:  "test-key",
	}, upstream.Client())
	require.NoError(t, err)
	return client
}

func TestService_Analyze(t *testing.T) {
	t.Parallel()

	t.Run("route is absent without an analyzer", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t)
		rec := env.request(t, http.MethodPost, "/analyze", map[string]string{"symptoms": "cough"}, true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("free user consumes quota", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t, billingmod.WithAnalyzer(newAnalyzerClient(t)))

		for i := 0; i < 2; i++ {
			rec := env.request(t, http.MethodPost, "/analyze", map[string]string{"symptoms": "cough"}, true)
			require.Equal(t, http.StatusOK, rec.Code, "use %d is inside the free tier", i+1)
			assert.Equal(t, "analysis", decodeEnvelope(t, rec).Code)
		}

		rec := env.request(t, http.MethodPost, "/analyze", map[string]string{"symptoms": "cough"}, true)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		resp := decodeEnvelope(t, rec)
		assert.Equal(t, "quota_exhausted", resp.Error.Code)
		assert.EqualValues(t, 2, resp.Meta["limit"])
	})

	t.Run("premium bypasses the counter", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t, billingmod.WithAnalyzer(newAnalyzerClient(t)))
		env.makePremium(t, time.Now().UTC().Add(20*24*time.Hour))

		for i := 0; i < 5; i++ {
			rec := env.request(t, http.MethodPost, "/analyze", map[string]string{"symptoms": "cough"}, true)
			require.Equal(t, http.StatusOK, rec.Code)
		}

		usage := env.request(t, http.MethodGet, "/usage", nil, true)
		data, err := json.Marshal(decodeEnvelope(t, usage).Data)
		require.NoError(t, err)
		var u struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(data, &u))
		assert.Zero(t, u.Count, "premium calls never touch the counter")
	})

	t.Run("missing symptoms", func(t *testing.T) {
		t.Parallel()

		env := newServiceEnv(t, billingmod.WithAnalyzer(newAnalyzerClient(t)))
		rec := env.request(t, http.MethodPost, "/analyze", map[string]string{}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("upstream failure", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		t.Cleanup(upstream.Close)
		client, err := analyzer.NewClient(analyzer.Config{BaseURL: upstream.URL, APIKey: "k"}, upstream.Client())
		require.NoError(t, err)

		env := newServiceEnv(t, billingmod.WithAnalyzer(client))
		rec := env.request(t, http.MethodPost, "/analyze", map[string]string{"symptoms": "cough"}, true)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "analysis_failed", decodeEnvelope(t, rec).Error.Code)

		// The failed call must not count against the free tier.
		usage := env.request(t, http.MethodGet, "/usage", nil, true)
		data, err := json.Marshal(decodeEnvelope(t, usage).Data)
		require.NoError(t, err)
		var u struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(data, &u))
		assert.Zero(t, u.Count)
	})
}

func TestService_AnalyzeRateLimit(t *testing.T) {
	t.Parallel()

	rlStore := ratelimit.NewMemoryStore()
	t.Cleanup(func() { _ = rlStore.Close() })
	limiter, err := ratelimit.NewSlidingWindow(rlStore, 1, time.Minute)
	require.NoError(t, err)

	env := newServiceEnv(t,
		billingmod.WithAnalyzer(newAnalyzerClient(t)),
		billingmod.WithAnalyzeMiddleware(ratelimit.MiddlewareWithOptions(
			limiter,
			func(r *http.Request) string { return r.Header.Get(billingmod.UserIDHeader) },
			ratelimit.WithOnLimitReached(billingmod.RateLimitExceeded),
		)),
	)

	first := env.request(t, http.MethodPost, "/analyze", map[string]string{"symptoms": "cough"}, true)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.request(t, http.MethodPost, "/analyze", map[string]string{"symptoms": "cough"}, true)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	resp := decodeEnvelope(t, second)
	assert.Equal(t, "rate_limited", resp.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "rate_limited", resp.Error.Code)
	assert.NotNil(t, resp.Meta["retry_after"])
}
