package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/symptomkit/symptomkit/pkg/analyzer"
	"github.com/symptomkit/symptomkit/pkg/billing"
	"github.com/symptomkit/symptomkit/pkg/logger"
	"github.com/symptomkit/symptomkit/pkg/quota"
)

// handleWebhook ingests one provider delivery. The response code is the
// contract with the provider's retry machinery: 2xx stops redelivery, 4xx
// marks the delivery permanently bad, 5xx asks for another attempt.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider, ok := billing.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_provider", "unknown payment provider")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "failed to read webhook payload")
		return
	}

	err = s.ingestor.Ingest(r.Context(), provider, payload, providerSignature(provider, r))
	switch {
	case err == nil:
		respondData(w, "ok", nil)
	case errors.Is(err, billing.ErrInvalidSignature):
		respondError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
	case errors.Is(err, billing.ErrMalformedEvent):
		respondError(w, http.StatusBadRequest, "malformed_event", "webhook payload could not be parsed")
	case errors.Is(err, billing.ErrUnknownProvider):
		respondError(w, http.StatusNotFound, "unknown_provider", "unknown payment provider")
	default:
		s.log.ErrorContext(r.Context(), "webhook processing failed",
			logger.Component("billing.webhook"),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal_error", "webhook processing failed")
	}
}

func providerSignature(provider billing.PaymentProvider, r *http.Request) string {
	switch provider {
	case billing.ProviderStripe:
		return r.Header.Get("Stripe-Signature")
	case billing.ProviderPaddle:
		return r.Header.Get("Paddle-Signature")
	}
	return ""
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	status, err := s.reconciler.Status(r.Context(), userID, s.maxStale)
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}
	respondData(w, "subscription", status)
}

type checkoutRequest struct {
	Provider   string `json:"provider"`
	PlanID     string `json:"plan_id"`
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

func (s *Service) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	provider, ok := billing.ParseProvider(req.Provider)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown_provider", "unknown payment provider")
		return
	}
	if req.PlanID == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload", "plan_id is required")
		return
	}

	session, err := s.reconciler.CheckoutSession(r.Context(), userID, provider, req.PlanID, billing.CheckoutParams{
		UserID:     userID,
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}

	respondData(w, "checkout_session", map[string]any{
		"url":        session.URL,
		"session_id": session.SessionID,
		"expires_at": session.ExpiresAt,
	})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	status, err := s.reconciler.Cancel(r.Context(), userID)
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}
	respondData(w, "subscription", status)
}

func (s *Service) handleReactivate(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	status, err := s.reconciler.Reactivate(r.Context(), userID)
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}
	respondData(w, "subscription", status)
}

func (s *Service) handlePaymentMethodUpdate(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	url, err := s.reconciler.PaymentMethodUpdateLink(r.Context(), userID)
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}
	respondData(w, "payment_method_update", map[string]string{"url": url})
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	usage, err := s.quota.Peek(r.Context(), userID)
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}
	remaining, err := s.quota.Remaining(r.Context(), userID)
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}
	respondData(w, "usage", map[string]any{
		"count":     usage.Count,
		"limit":     s.quota.Limit(),
		"remaining": remaining,
		"reset_at":  usage.ResetAt,
	})
}

type analyzeRequest struct {
	Symptoms string `json:"symptoms"`
	Age      int    `json:"age,omitempty"`
	Sex      string `json:"sex,omitempty"`
}

// handleAnalyze gates the analysis behind premium-or-quota: premium users
// bypass the counter entirely, free users are checked up front and charged
// one action only after the analysis succeeds. A failed upstream call costs
// nothing. Concurrent requests can each pass the check and push the count
// slightly past the limit; the counter tolerates that.
func (s *Service) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	if req.Symptoms == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload", "symptoms is required")
		return
	}

	status, err := s.reconciler.Status(r.Context(), userID, s.maxStale)
	if err != nil {
		s.respondBillingError(w, r, err)
		return
	}

	if !status.IsPremium {
		usage, err := s.quota.Peek(r.Context(), userID)
		if err != nil {
			s.respondBillingError(w, r, err)
			return
		}
		if usage.Count >= s.quota.Limit() {
			writeJSON(w, http.StatusPaymentRequired, JSONResponse{
				Code: "quota_exhausted",
				Meta: map[string]any{
					"limit":    s.quota.Limit(),
					"reset_at": usage.ResetAt,
				},
				Error: &ErrorDetail{
					Code:    "quota_exhausted",
					Message: "free tier quota exhausted, upgrade to continue",
				},
			})
			return
		}
	}

	result, err := s.analyzer.Analyze(r.Context(), analyzer.Request{
		Symptoms: req.Symptoms,
		Age:      req.Age,
		Sex:      req.Sex,
	})
	if err != nil {
		s.log.ErrorContext(r.Context(), "symptom analysis failed",
			logger.Component("billing.analyze"),
			logger.UserID(userID),
			logger.Error(err),
		)
		respondError(w, http.StatusBadGateway, "analysis_failed", "symptom analysis is temporarily unavailable")
		return
	}

	if !status.IsPremium {
		if _, err := s.quota.Increment(r.Context(), userID); err != nil {
			// The analysis already succeeded; returning it beats losing it
			// over a counter write.
			s.log.ErrorContext(r.Context(), "recording quota use failed",
				logger.Component("billing.analyze"),
				logger.UserID(userID),
				logger.Error(err),
			)
		}
	}

	respondData(w, "analysis", result)
}

// respondBillingError maps engine errors onto the HTTP surface.
func (s *Service) respondBillingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrRecordNotFound), errors.Is(err, quota.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "unknown_user", "no billing record for user")
	case errors.Is(err, billing.ErrPlanNotFound):
		respondError(w, http.StatusNotFound, "plan_not_found", "unknown plan")
	case errors.Is(err, billing.ErrAlreadySubscribed):
		respondError(w, http.StatusConflict, "already_subscribed", "an active subscription already exists")
	case errors.Is(err, billing.ErrAlreadyEnded):
		respondError(w, http.StatusConflict, "already_ended", "the subscription has already ended")
	case errors.Is(err, billing.ErrNotCancellable):
		respondError(w, http.StatusConflict, "not_cancellable", "the subscription cannot be canceled in its current state")
	case errors.Is(err, billing.ErrNotReactivatable):
		respondError(w, http.StatusConflict, "not_reactivatable", "the subscription cannot be reactivated in its current state")
	case errors.Is(err, billing.ErrNoSubscription):
		respondError(w, http.StatusConflict, "no_subscription", "no subscription on record")
	case errors.Is(err, billing.ErrProviderNotConfigured):
		respondError(w, http.StatusServiceUnavailable, "provider_not_configured", "the payment provider is not configured")
	case errors.Is(err, billing.ErrProviderUnavailable):
		respondError(w, http.StatusBadGateway, "provider_unavailable", "the payment provider is temporarily unavailable")
	case errors.Is(err, billing.ErrProviderRejected):
		respondError(w, http.StatusBadGateway, "provider_rejected", "the payment provider rejected the request")
	default:
		s.log.ErrorContext(r.Context(), "billing request failed",
			logger.Component("billing.api"),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
