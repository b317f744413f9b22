package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/miragespace/coursesub/apperr"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

var _ Gateway = &Stripe{}

// NewStripeClient returns a Stripe API client bound to key
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

// StripeOptions contains the configuration for the Stripe gateway
type StripeOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
}

// Stripe implements Gateway on top of stripe-go
type Stripe struct {
	StripeOptions
}

// NewStripe returns a Gateway backed by the Stripe API
func NewStripe(option StripeOptions) (*Stripe, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Stripe{
		StripeOptions: option,
	}, nil
}

func (s *Stripe) wrap(op string, err error) error {
	s.Logger.Error("Stripe returned error",
		zap.String("op", op),
		zap.Error(err),
	)
	return toGatewayError(op, err)
}

func toGatewayError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &apperr.GatewayError{
			Op:         op,
			Code:       string(se.Code),
			Message:    se.Msg,
			StatusCode: se.HTTPStatusCode,
			Err:        err,
		}
	}
	return &apperr.GatewayError{
		Op:      op,
		Message: err.Error(),
		Err:     err,
	}
}

func (s *Stripe) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Email: stripe.String(email),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	c, err := s.StripeClient.Customers.New(params)
	if err != nil {
		return nil, s.wrap("create customer", err)
	}
	return fromStripeCustomer(c), nil
}

func (s *Stripe) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	params := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
			Limit:   stripe.Int64(1),
		},
		Email: stripe.String(email),
	}
	iter := s.StripeClient.Customers.List(params)
	if iter.Next() {
		return fromStripeCustomer(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("list customers", err)
	}
	return nil, nil
}

func (s *Stripe) RetrieveCustomer(ctx context.Context, id string) (*Customer, error) {
	c, err := s.StripeClient.Customers.Get(id, &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
	})
	if err != nil {
		return nil, s.wrap("retrieve customer", err)
	}
	return fromStripeCustomer(c), nil
}

func (s *Stripe) CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(priceID),
			},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_invoice.payment_intent")
	params.AddExpand("default_payment_method")

	sub, err := s.StripeClient.Subscriptions.New(params)
	if err != nil {
		return nil, s.wrap("create subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (s *Stripe) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("default_payment_method")
	sub, err := s.StripeClient.Subscriptions.Get(id, params)
	if err != nil {
		return nil, s.wrap("retrieve subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (s *Stripe) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		CancelAtPeriodEnd: update.CancelAtPeriodEnd,
	}
	params.AddExpand("default_payment_method")
	sub, err := s.StripeClient.Subscriptions.Update(id, params)
	if err != nil {
		return nil, s.wrap("update subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (s *Stripe) ListSubscriptions(ctx context.Context, customerID, status string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
		Customer: customerID,
		Status:   status,
	}
	params.AddExpand("data.default_payment_method")

	results := make([]Subscription, 0, 1)
	iter := s.StripeClient.Subscriptions.List(params)
	for iter.Next() {
		results = append(results, *fromStripeSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("list subscriptions", err)
	}
	return results, nil
}

func (s *Stripe) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	pm, err := s.StripeClient.PaymentMethods.Attach(paymentMethodID, &stripe.PaymentMethodAttachParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(customerID),
	})
	if err != nil {
		return s.wrap("attach payment method", err)
	}

	customerParams := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(pm.ID),
		},
	}
	if _, err := s.StripeClient.Customers.Update(customerID, customerParams); err != nil {
		return s.wrap("set default payment method", err)
	}
	return nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:           stripe.String(p.CustomerID),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(p.ClientReferenceID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	cs, err := s.StripeClient.CheckoutSessions.New(params)
	if err != nil {
		return nil, s.wrap("create checkout session", err)
	}
	return fromStripeCheckoutSession(cs), nil
}

func (s *Stripe) CreateInvoice(ctx context.Context, p InvoiceParams) (*Invoice, error) {
	itemParams := &stripe.InvoiceItemParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:    stripe.String(p.CustomerID),
		Amount:      stripe.Int64(p.Amount),
		Currency:    stripe.String(p.Currency),
		Description: stripe.String(p.Description),
	}
	if _, err := s.StripeClient.InvoiceItems.New(itemParams); err != nil {
		return nil, s.wrap("create invoice item", err)
	}

	params := &stripe.InvoiceParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:         stripe.String(p.CustomerID),
		AutoAdvance:      stripe.Bool(true),
		CollectionMethod: stripe.String("charge_automatically"),
		Description:      stripe.String(p.Description),
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	inv, err := s.StripeClient.Invoices.New(params)
	if err != nil {
		return nil, s.wrap("create invoice", err)
	}
	return fromStripeInvoice(inv), nil
}

func (s *Stripe) FinalizeInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.StripeClient.Invoices.FinalizeInvoice(id, &stripe.InvoiceFinalizeParams{
		Params: stripe.Params{
			Context: ctx,
		},
	})
	if err != nil {
		return nil, s.wrap("finalize invoice", err)
	}
	return fromStripeInvoice(inv), nil
}

func (s *Stripe) PayInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.StripeClient.Invoices.Pay(id, &stripe.InvoicePayParams{
		Params: stripe.Params{
			Context: ctx,
		},
	})
	if err != nil {
		return nil, s.wrap("pay invoice", err)
	}
	return fromStripeInvoice(inv), nil
}

func (s *Stripe) RetrieveInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.StripeClient.Invoices.Get(id, &stripe.InvoiceParams{
		Params: stripe.Params{
			Context: ctx,
		},
	})
	if err != nil {
		return nil, s.wrap("retrieve invoice", err)
	}
	return fromStripeInvoice(inv), nil
}
