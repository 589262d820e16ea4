// Package billing implements subscription state management against external
// payment providers: provider adapters, a pure status resolver, a pull-based
// reconciliation service, and idempotent webhook ingestion.
//
// The package treats the payment provider as the source of truth for
// subscription facts and the local record as a cached projection of them. Two
// paths keep the projection fresh and both converge on the same resolver:
//
//   - Reconciler pulls the live subscription from the provider, resolves it
//     against the stored record, and persists the outcome. It also carries
//     the user-facing operations (checkout, cancel, reactivate).
//   - Ingestor consumes provider webhooks, deduplicates them, and applies
//     the same resolution from pushed state.
//
// Resolution itself is a pure function (Resolve) from a provider view, the
// previous record and a clock to the next local state, so ordering races
// between the two paths cannot diverge: whichever applies last wins with the
// same answer a fresh pull would give.
//
// # Providers
//
// Two adapters implement the ProviderAdapter interface: StripeAdapter and
// PaddleAdapter. All provider-specific vocabulary (status strings, webhook
// shapes, cancellation models) is normalized at the adapter boundary; nothing
// above it branches on the provider.
//
// # Access semantics
//
// Premium capability is never revoked before paid-through time: a canceled or
// past-due subscription keeps IsPremium true until AccessUntil passes. The
// resolver also refuses to silently shrink AccessUntil on provider glitches,
// surfacing a regression warning instead.
package billing
