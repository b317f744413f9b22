// Package gatewaytest provides an in-memory Gateway and webhook signing helpers for tests
package gatewaytest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/miragespace/coursesub/apperr"
	"github.com/miragespace/coursesub/gateway"

	"github.com/stripe/stripe-go/v72"
)

var _ gateway.Gateway = &Fake{}

// Fake is an in-memory payment processor
type Fake struct {
	mu sync.Mutex

	Now func() time.Time
	// Errors injects a failure for the named operation, e.g. "create subscription"
	Errors map[string]error

	seq              int
	customers        map[string]gateway.Customer
	subscriptions    map[string]gateway.Subscription
	attachedMethods  map[string]string
	checkoutSessions map[string]gateway.CheckoutParams
	invoices         map[string]gateway.Invoice
	calls            map[string]int
}

// NewFake returns an empty Fake
func NewFake() *Fake {
	return &Fake{
		Now:              time.Now,
		Errors:           map[string]error{},
		customers:        map[string]gateway.Customer{},
		subscriptions:    map[string]gateway.Subscription{},
		attachedMethods:  map[string]string{},
		checkoutSessions: map[string]gateway.CheckoutParams{},
		invoices:         map[string]gateway.Invoice{},
		calls:            map[string]int{},
	}
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	return f.Errors[op]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func missing(op, id string) error {
	return &apperr.GatewayError{
		Op:         op,
		Code:       "resource_missing",
		Message:    fmt.Sprintf("No such object: '%s'", id),
		StatusCode: 404,
	}
}

func copySubscription(s gateway.Subscription) *gateway.Subscription {
	meta := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	s.Metadata = meta
	s.PriceIDs = append([]string(nil), s.PriceIDs...)
	if s.CancelAt != nil {
		at := *s.CancelAt
		s.CancelAt = &at
	}
	return &s
}

// Calls returns how many times op was invoked
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// PutCustomer seeds a customer
func (f *Fake) PutCustomer(c gateway.Customer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[c.ID] = c
}

// PutSubscription seeds or overwrites a subscription snapshot
func (f *Fake) PutSubscription(s gateway.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[s.ID] = *copySubscription(s)
}

// DeleteSubscription makes the processor forget a subscription
func (f *Fake) DeleteSubscription(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, id)
}

// AttachedMethod returns the payment method attached to customerID
func (f *Fake) AttachedMethod(customerID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachedMethods[customerID]
}

func (f *Fake) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*gateway.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create customer"); err != nil {
		return nil, err
	}
	c := gateway.Customer{ID: f.nextID("cus"), Email: email}
	f.customers[c.ID] = c
	return &c, nil
}

func (f *Fake) FindCustomerByEmail(ctx context.Context, email string) (*gateway.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("list customers"); err != nil {
		return nil, err
	}
	for _, c := range f.customers {
		if c.Email == email {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (f *Fake) RetrieveCustomer(ctx context.Context, id string) (*gateway.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("retrieve customer"); err != nil {
		return nil, err
	}
	c, ok := f.customers[id]
	if !ok {
		return nil, missing("retrieve customer", id)
	}
	return &c, nil
}

func (f *Fake) CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create subscription"); err != nil {
		return nil, err
	}
	if _, ok := f.customers[customerID]; !ok {
		return nil, missing("create subscription", customerID)
	}
	now := f.Now().UTC().Truncate(time.Second)
	id := f.nextID("sub")
	s := gateway.Subscription{
		ID:                 id,
		CustomerID:         customerID,
		Status:             gateway.StatusIncomplete,
		StartDate:          now,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 0, 30),
		Metadata:           metadata,
		PriceIDs:           []string{priceID},
		LatestInvoiceID:    "in_" + id,
		ClientSecret:       "pi_" + id + "_secret",
	}
	f.subscriptions[id] = *copySubscription(s)
	return copySubscription(s), nil
}

func (f *Fake) RetrieveSubscription(ctx context.Context, id string) (*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("retrieve subscription"); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, missing("retrieve subscription", id)
	}
	return copySubscription(s), nil
}

func (f *Fake) UpdateSubscription(ctx context.Context, id string, update gateway.SubscriptionUpdate) (*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("update subscription"); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, missing("update subscription", id)
	}
	if update.CancelAtPeriodEnd != nil {
		s.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	f.subscriptions[id] = s
	return copySubscription(s), nil
}

func (f *Fake) ListSubscriptions(ctx context.Context, customerID, status string) ([]gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("list subscriptions"); err != nil {
		return nil, err
	}
	results := make([]gateway.Subscription, 0, 1)
	for _, s := range f.subscriptions {
		if s.CustomerID != customerID {
			continue
		}
		if status != "all" && status != "" && s.Status != status {
			continue
		}
		results = append(results, *copySubscription(s))
	}
	return results, nil
}

func (f *Fake) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("attach payment method"); err != nil {
		return err
	}
	if _, ok := f.customers[customerID]; !ok {
		return missing("attach payment method", customerID)
	}
	f.attachedMethods[customerID] = paymentMethodID
	return nil
}

func (f *Fake) CreateCheckoutSession(ctx context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create checkout session"); err != nil {
		return nil, err
	}
	id := f.nextID("cs")
	f.checkoutSessions[id] = params
	return &gateway.CheckoutSession{
		ID:                id,
		CustomerID:        params.CustomerID,
		ClientReferenceID: params.ClientReferenceID,
		Metadata:          params.Metadata,
	}, nil
}

// CompleteCheckout plays the processor side of a paid checkout session: it
// creates an active subscription carrying the session's subscription metadata.
func (f *Fake) CompleteCheckout(sessionID string) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	params, ok := f.checkoutSessions[sessionID]
	if !ok {
		return gateway.Subscription{}, missing("complete checkout", sessionID)
	}
	now := f.Now().UTC().Truncate(time.Second)
	id := f.nextID("sub")
	s := gateway.Subscription{
		ID:                 id,
		CustomerID:         params.CustomerID,
		Status:             gateway.StatusActive,
		StartDate:          now,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 0, 30),
		Metadata:           params.Metadata,
		PriceIDs:           []string{params.PriceID},
		LatestInvoiceID:    "in_" + id,
	}
	f.subscriptions[id] = *copySubscription(s)
	return *copySubscription(s), nil
}

func (f *Fake) CreateInvoice(ctx context.Context, params gateway.InvoiceParams) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create invoice"); err != nil {
		return nil, err
	}
	c, ok := f.customers[params.CustomerID]
	if !ok {
		return nil, missing("create invoice", params.CustomerID)
	}
	inv := gateway.Invoice{
		ID:            f.nextID("in"),
		CustomerID:    c.ID,
		CustomerEmail: c.Email,
		Status:        gateway.InvoiceDraft,
		Description:   params.Description,
		AmountDue:     params.Amount,
		Currency:      params.Currency,
	}
	f.invoices[inv.ID] = inv
	return &inv, nil
}

func (f *Fake) FinalizeInvoice(ctx context.Context, id string) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("finalize invoice"); err != nil {
		return nil, err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, missing("finalize invoice", id)
	}
	if inv.Status != gateway.InvoiceDraft {
		return nil, &apperr.GatewayError{
			Op:         "finalize invoice",
			Code:       "invoice_not_editable",
			Message:    "This invoice is already finalized",
			StatusCode: 400,
		}
	}
	f.finalizeLocked(&inv)
	return &inv, nil
}

func (f *Fake) finalizeLocked(inv *gateway.Invoice) {
	inv.Status = gateway.InvoiceOpen
	inv.HostedInvoiceURL = "https://invoice.stripe.test/i/" + inv.ID
	f.invoices[inv.ID] = *inv
}

func (f *Fake) PayInvoice(ctx context.Context, id string) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("pay invoice"); err != nil {
		return nil, err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, missing("pay invoice", id)
	}
	switch inv.Status {
	case gateway.InvoiceDraft:
		f.finalizeLocked(&inv)
	case gateway.InvoiceOpen:
	default:
		return nil, &apperr.GatewayError{
			Op:         "pay invoice",
			Code:       "invoice_unexpected_state",
			Message:    fmt.Sprintf("Invoice is %s", inv.Status),
			StatusCode: 400,
		}
	}
	inv.Status = gateway.InvoicePaid
	inv.AmountPaid = inv.AmountDue
	f.invoices[id] = inv
	return &inv, nil
}

func (f *Fake) RetrieveInvoice(ctx context.Context, id string) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("retrieve invoice"); err != nil {
		return nil, err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, missing("retrieve invoice", id)
	}
	return &inv, nil
}

// SetInvoiceStatus changes an invoice behind the service's back
func (f *Fake) SetInvoiceStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv := f.invoices[id]
	inv.Status = status
	f.invoices[id] = inv
}

// SignatureHeader computes a Stripe-Signature header for payload
func SignatureHeader(secret string, payload []byte, ts time.Time) string {
	unix := ts.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", unix)))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

// EventPayload builds a webhook envelope carrying object as data.object
func EventPayload(id, eventType string, object map[string]interface{}) []byte {
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	})
	if err != nil {
		panic(err)
	}
	return body
}
