package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/miragespace/coursesub/apperr"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

// EventKind is the closed set of webhook events the service acts on
type EventKind int

const (
	EventUnhandled EventKind = iota
	EventCheckoutSessionCompleted
	EventInvoicePaymentSucceeded
	EventInvoicePaymentFailed
	EventSubscriptionUpdated
	EventSubscriptionDeleted
)

var eventKindByType = map[string]EventKind{
	"checkout.session.completed":    EventCheckoutSessionCompleted,
	"invoice.payment_succeeded":     EventInvoicePaymentSucceeded,
	"invoice.payment_failed":        EventInvoicePaymentFailed,
	"customer.subscription.updated": EventSubscriptionUpdated,
	"customer.subscription.deleted": EventSubscriptionDeleted,
}

func (k EventKind) String() string {
	for t, kind := range eventKindByType {
		if kind == k {
			return t
		}
	}
	return "unhandled"
}

// Event is a verified webhook event. Exactly one payload field is set,
// matching Kind; none are set for EventUnhandled.
type Event struct {
	ID   string
	Type string
	Kind EventKind

	CheckoutSession *CheckoutSession
	Invoice         *Invoice
	Subscription    *Subscription
}

// EventVerifier checks webhook signatures with the endpoint secret
type EventVerifier struct {
	secret string
}

// NewEventVerifier returns a verifier for the given endpoint secret
func NewEventVerifier(secret string) (*EventVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty webhook secret is invalid")
	}
	return &EventVerifier{secret: secret}, nil
}

// Parse verifies the Stripe-Signature header over payload and decodes the
// event. Signature failures are returned as *apperr.AuthenticationError.
func (v *EventVerifier) Parse(payload []byte, signature string) (*Event, error) {
	raw, err := webhook.ConstructEvent(payload, signature, v.secret)
	if err != nil {
		return nil, &apperr.AuthenticationError{Err: err}
	}
	return decodeEvent(raw)
}

func decodeEvent(raw stripe.Event) (*Event, error) {
	evt := &Event{
		ID:   raw.ID,
		Type: raw.Type,
		Kind: eventKindByType[raw.Type],
	}
	if evt.Kind == EventUnhandled {
		return evt, nil
	}
	if raw.Data == nil {
		return nil, apperr.NewValidationError("data", "event carries no object")
	}

	switch evt.Kind {
	case EventCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &cs); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode checkout session")
		}
		evt.CheckoutSession = fromStripeCheckoutSession(&cs)
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode invoice")
		}
		evt.Invoice = fromStripeInvoice(&inv)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode subscription")
		}
		evt.Subscription = fromStripeSubscription(&sub)
	}
	return evt, nil
}
