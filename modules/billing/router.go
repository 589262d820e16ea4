// Package billing exposes the subscription engine over HTTP: webhook intake
// for the payment providers and the authenticated subscription API.
package billing

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/symptomkit/symptomkit/pkg/analyzer"
	"github.com/symptomkit/symptomkit/pkg/billing"
	"github.com/symptomkit/symptomkit/pkg/quota"
)

// defaultMaxStale is how old a cached subscription status may be before the
// status endpoint triggers a live reconcile.
const defaultMaxStale = 5 * time.Minute

// Service bundles the engine pieces behind the HTTP surface.
type Service struct {
	reconciler *billing.Reconciler
	ingestor   *billing.Ingestor
	quota      *quota.Counter
	analyzer   *analyzer.Client
	log        *slog.Logger

	maxStale    time.Duration
	webhookMW   []func(http.Handler) http.Handler
	analyzeMW   []func(http.Handler) http.Handler
	maxBodySize int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxStale sets the staleness threshold for the status endpoint.
func WithMaxStale(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.maxStale = d
		}
	}
}

// WithAnalyzer enables the symptom analysis endpoint.
func WithAnalyzer(client *analyzer.Client) ServiceOption {
	return func(s *Service) { s.analyzer = client }
}

// WithWebhookMiddleware adds middleware to the webhook route (rate limiting).
func WithWebhookMiddleware(mw ...func(http.Handler) http.Handler) ServiceOption {
	return func(s *Service) { s.webhookMW = append(s.webhookMW, mw...) }
}

// WithAnalyzeMiddleware adds middleware to the analyze route (rate limiting).
func WithAnalyzeMiddleware(mw ...func(http.Handler) http.Handler) ServiceOption {
	return func(s *Service) { s.analyzeMW = append(s.analyzeMW, mw...) }
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService creates the HTTP service over the reconciler, ingestor and quota
// counter. The analyzer is optional; without it the analyze endpoint returns
// 404.
func NewService(reconciler *billing.Reconciler, ingestor *billing.Ingestor, counter *quota.Counter, opts ...ServiceOption) *Service {
	if reconciler == nil {
		panic("billing module: Reconciler is required")
	}
	if ingestor == nil {
		panic("billing module: Ingestor is required")
	}
	if counter == nil {
		panic("billing module: quota Counter is required")
	}
	s := &Service{
		reconciler:  reconciler,
		ingestor:    ingestor,
		quota:       counter,
		log:         slog.Default(),
		maxStale:    defaultMaxStale,
		maxBodySize: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router mounts the webhook intake and the authenticated subscription API.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", svc.Router())
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()

	r.Group(func(hooks chi.Router) {
		for _, mw := range s.webhookMW {
			hooks.Use(mw)
		}
		hooks.Post("/webhooks/{provider}", s.handleWebhook)
	})

	r.Group(func(api chi.Router) {
		api.Use(RequireUser)

		api.Get("/subscription", s.handleStatus)
		api.Post("/subscription/checkout", s.handleCheckout)
		api.Post("/subscription/cancel", s.handleCancel)
		api.Post("/subscription/reactivate", s.handleReactivate)
		api.Get("/subscription/payment-method-update", s.handlePaymentMethodUpdate)
		api.Get("/usage", s.handleUsage)

		if s.analyzer != nil {
			api.Group(func(an chi.Router) {
				for _, mw := range s.analyzeMW {
					an.Use(mw)
				}
				an.Post("/analyze", s.handleAnalyze)
			})
		}
	})

	return r
}

// Handle returns the router as a plain http.Handler for mounting.
func (s *Service) Handle() http.Handler {
	return s.Router()
}
