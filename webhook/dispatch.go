package webhook

import (
	"context"
	"fmt"

	"github.com/miragespace/coursesub/gateway"
)

// Handler has one method per handled event kind
type Handler interface {
	CheckoutSessionCompleted(ctx context.Context, cs *gateway.CheckoutSession) error
	InvoicePaymentSucceeded(ctx context.Context, inv *gateway.Invoice) error
	InvoicePaymentFailed(ctx context.Context, inv *gateway.Invoice) error
	SubscriptionUpdated(ctx context.Context, sub *gateway.Subscription) error
	SubscriptionDeleted(ctx context.Context, sub *gateway.Subscription) error
}

// Dispatch routes evt to the matching Handler method. It reports false for
// events the service does not act on.
func Dispatch(ctx context.Context, h Handler, evt *gateway.Event) (bool, error) {
	switch evt.Kind {
	case gateway.EventUnhandled:
		return false, nil
	case gateway.EventCheckoutSessionCompleted:
		return true, h.CheckoutSessionCompleted(ctx, evt.CheckoutSession)
	case gateway.EventInvoicePaymentSucceeded:
		return true, h.InvoicePaymentSucceeded(ctx, evt.Invoice)
	case gateway.EventInvoicePaymentFailed:
		return true, h.InvoicePaymentFailed(ctx, evt.Invoice)
	case gateway.EventSubscriptionUpdated:
		return true, h.SubscriptionUpdated(ctx, evt.Subscription)
	case gateway.EventSubscriptionDeleted:
		return true, h.SubscriptionDeleted(ctx, evt.Subscription)
	default:
		return false, fmt.Errorf("no handler for event kind %s", evt.Kind)
	}
}
