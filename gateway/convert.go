package gateway

import (
	"time"

	"github.com/stripe/stripe-go/v72"
)

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func fromStripeCustomer(c *stripe.Customer) *Customer {
	return &Customer{
		ID:      c.ID,
		Email:   c.Email,
		Deleted: c.Deleted,
	}
}

func fromStripeSubscription(s *stripe.Subscription) *Subscription {
	sub := &Subscription{
		ID:                 s.ID,
		Status:             string(s.Status),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		StartDate:          unixTime(s.StartDate),
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
		Metadata:           s.Metadata,
		PriceIDs:           make([]string, 0, 1),
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{}
	}
	if s.CancelAt > 0 {
		cancelAt := unixTime(s.CancelAt)
		sub.CancelAt = &cancelAt
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			switch {
			case item.Price != nil:
				sub.PriceIDs = append(sub.PriceIDs, item.Price.ID)
			case item.Plan != nil:
				sub.PriceIDs = append(sub.PriceIDs, item.Plan.ID)
			}
		}
	}
	if s.LatestInvoice != nil {
		sub.LatestInvoiceID = s.LatestInvoice.ID
		if s.LatestInvoice.PaymentIntent != nil {
			sub.ClientSecret = s.LatestInvoice.PaymentIntent.ClientSecret
		}
	}
	// only populated when default_payment_method was expanded
	if s.DefaultPaymentMethod != nil {
		sub.PaymentMethodType = string(s.DefaultPaymentMethod.Type)
	}
	return sub
}

func fromStripeInvoice(i *stripe.Invoice) *Invoice {
	inv := &Invoice{
		ID:               i.ID,
		CustomerEmail:    i.CustomerEmail,
		Status:           string(i.Status),
		Description:      i.Description,
		AmountPaid:       i.AmountPaid,
		AmountDue:        i.AmountDue,
		Currency:         string(i.Currency),
		DueDate:          unixTime(i.DueDate),
		HostedInvoiceURL: i.HostedInvoiceURL,
	}
	if i.Subscription != nil {
		inv.SubscriptionID = i.Subscription.ID
	}
	if i.Customer != nil {
		inv.CustomerID = i.Customer.ID
	}
	return inv
}

func fromStripeCheckoutSession(cs *stripe.CheckoutSession) *CheckoutSession {
	session := &CheckoutSession{
		ID:                cs.ID,
		CustomerEmail:     cs.CustomerEmail,
		ClientReferenceID: cs.ClientReferenceID,
		AmountTotal:       cs.AmountTotal,
		Currency:          string(cs.Currency),
		Metadata:          cs.Metadata,
	}
	if session.Metadata == nil {
		session.Metadata = map[string]string{}
	}
	if cs.Subscription != nil {
		session.SubscriptionID = cs.Subscription.ID
	}
	if cs.Customer != nil {
		session.CustomerID = cs.Customer.ID
	}
	return session
}
