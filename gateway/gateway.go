package gateway

import (
	"context"
	"time"
)

// Gateway subscription statuses reported by the payment processor
const (
	StatusActive            = "active"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusPastDue           = "past_due"
	StatusTrialing          = "trialing"
	StatusUnpaid            = "unpaid"
)

// Gateway is the contract with the payment processor. Implementations
// return normalized DTOs and report every provider failure as *apperr.GatewayError.
type Gateway interface {
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*Customer, error)
	// FindCustomerByEmail returns nil without error when no customer exists
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	RetrieveCustomer(ctx context.Context, id string) (*Customer, error)

	CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*Subscription, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*Subscription, error)
	ListSubscriptions(ctx context.Context, customerID, status string) ([]Subscription, error)

	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// CreateInvoice adds a single line item for the amount and opens an
	// auto-advancing invoice around it
	CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error)
	FinalizeInvoice(ctx context.Context, id string) (*Invoice, error)
	PayInvoice(ctx context.Context, id string) (*Invoice, error)
	RetrieveInvoice(ctx context.Context, id string) (*Invoice, error)
}

// Customer is a customer profile held by the payment processor
type Customer struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Subscription is the normalized snapshot of a processor subscription
type Subscription struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customerId"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancelAtPeriodEnd"`
	CancelAt           *time.Time        `json:"cancelAt,omitempty"`
	StartDate          time.Time         `json:"startDate"`
	CurrentPeriodStart time.Time         `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time         `json:"currentPeriodEnd"`
	Metadata           map[string]string `json:"metadata"`
	PriceIDs           []string          `json:"priceIds"`
	LatestInvoiceID    string            `json:"latestInvoiceId,omitempty"`
	ClientSecret       string            `json:"-"`
	PaymentMethodType  string            `json:"paymentMethodType,omitempty"`
}

// SubscriptionUpdate lists the mutable fields of a subscription. nil fields are not sent.
type SubscriptionUpdate struct {
	CancelAtPeriodEnd *bool
}

// Invoice statuses reported by the payment processor
const (
	InvoiceDraft         = "draft"
	InvoiceOpen          = "open"
	InvoicePaid          = "paid"
	InvoiceUncollectible = "uncollectible"
	InvoiceVoid          = "void"
)

// Invoice is the normalized view of a processor invoice
type Invoice struct {
	ID               string    `json:"id"`
	SubscriptionID   string    `json:"subscriptionId"`
	CustomerID       string    `json:"customerId"`
	CustomerEmail    string    `json:"customerEmail"`
	Status           string    `json:"status"`
	Description      string    `json:"description,omitempty"`
	AmountPaid       int64     `json:"amountPaid"`
	AmountDue        int64     `json:"amountDue"`
	Currency         string    `json:"currency"`
	DueDate          time.Time `json:"dueDate,omitempty"`
	HostedInvoiceURL string    `json:"hostedInvoiceUrl"`
}

// InvoiceParams describes a one-line invoice. Amount is in minor units.
type InvoiceParams struct {
	CustomerID  string
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
}

// CheckoutSession is the normalized view of a hosted checkout session
type CheckoutSession struct {
	ID                string            `json:"id"`
	SubscriptionID    string            `json:"subscriptionId"`
	CustomerID        string            `json:"customerId"`
	CustomerEmail     string            `json:"customerEmail"`
	ClientReferenceID string            `json:"clientReferenceId"`
	AmountTotal       int64             `json:"amountTotal"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// CheckoutParams describes a subscription-mode checkout session
type CheckoutParams struct {
	CustomerID        string
	PriceID           string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}
