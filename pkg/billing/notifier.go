package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/symptomkit/symptomkit/pkg/email"
)

// Notifier delivers billing lifecycle notifications to users. Notifications
// are best effort; the engine logs failures and moves on.
type Notifier interface {
	PaymentFailed(ctx context.Context, userID uuid.UUID, planName string) error
	SubscriptionEnded(ctx context.Context, userID uuid.UUID, planName string) error
}

// NoopNotifier discards all notifications. Used when no mail transport is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) PaymentFailed(context.Context, uuid.UUID, string) error     { return nil }
func (NoopNotifier) SubscriptionEnded(context.Context, uuid.UUID, string) error { return nil }

// EmailLookupFunc resolves a user's email address. The address book belongs to
// the identity subsystem, so the lookup is injected rather than read from the
// billing record.
type EmailLookupFunc func(ctx context.Context, userID uuid.UUID) (string, error)

// EmailNotifier sends billing notifications through an email transport.
type EmailNotifier struct {
	sender email.EmailSender
	lookup EmailLookupFunc
}

// NewEmailNotifier builds a Notifier on top of the given transport.
func NewEmailNotifier(sender email.EmailSender, lookup EmailLookupFunc) *EmailNotifier {
	if sender == nil {
		panic("billing: email sender is required")
	}
	if lookup == nil {
		panic("billing: email lookup is required")
	}
	return &EmailNotifier{sender: sender, lookup: lookup}
}

func (n *EmailNotifier) PaymentFailed(ctx context.Context, userID uuid.UUID, planName string) error {
	addr, err := n.lookup(ctx, userID)
	if err != nil {
		return err
	}
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:  addr,
		Subject: "Your payment did not go through",
		BodyHTML: fmt.Sprintf(
			"<p>We could not collect the latest payment for your %s subscription.</p>"+
				"<p>Please update your payment method to keep premium access. "+
				"Your access continues until the end of the already paid period.</p>",
			planName),
		Tag: "billing-payment-failed",
	})
}

func (n *EmailNotifier) SubscriptionEnded(ctx context.Context, userID uuid.UUID, planName string) error {
	addr, err := n.lookup(ctx, userID)
	if err != nil {
		return err
	}
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:  addr,
		Subject: "Your subscription has ended",
		BodyHTML: fmt.Sprintf(
			"<p>Your %s subscription has ended and premium access is now off.</p>"+
				"<p>You can resubscribe at any time from your account page.</p>",
			planName),
		Tag: "billing-subscription-ended",
	})
}
