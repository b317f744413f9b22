package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/miragespace/coursesub/apperr"
	"github.com/miragespace/coursesub/gateway"
	"github.com/miragespace/coursesub/invoice"
	"github.com/miragespace/coursesub/metrics"
	"github.com/miragespace/coursesub/payment"
	"github.com/miragespace/coursesub/subscription"
	"github.com/miragespace/coursesub/user"

	"go.uber.org/zap"
)

// Reconciler is the part of the subscription engine webhooks drive
type Reconciler interface {
	Reconcile(ctx context.Context, externalID string, opts subscription.ReconcileOptions) (*subscription.Result, error)
	Apply(ctx context.Context, g *gateway.Subscription, opts subscription.ReconcileOptions) (*subscription.Result, error)
}

// PaymentRecorder appends payment records
type PaymentRecorder interface {
	Record(ctx context.Context, p *payment.Payment) (bool, error)
}

// Users attributes payments to local users
type Users interface {
	GetByCustomerID(ctx context.Context, customerID string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
}

// InvoiceSyncer mirrors invoice snapshots onto locally generated invoices
type InvoiceSyncer interface {
	Sync(ctx context.Context, inv *gateway.Invoice) error
}

var (
	_ Reconciler      = &subscription.Manager{}
	_ InvoiceSyncer   = &invoice.Manager{}
	_ PaymentRecorder = &payment.Manager{}
	_ Users           = &user.Manager{}
	_ Handler         = &Processor{}
)

// ProcessorOptions contains the collaborators of the Processor
type ProcessorOptions struct {
	Reconciler Reconciler
	Payments   PaymentRecorder
	Users      Users
	// Invoices is optional
	Invoices InvoiceSyncer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Processor applies webhook events to payments and subscriptions. Store
// failures are returned so the processor redelivers the event.
type Processor struct {
	ProcessorOptions
}

// NewProcessor returns the webhook Handler
func NewProcessor(option ProcessorOptions) (*Processor, error) {
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Payments == nil {
		return nil, fmt.Errorf("nil Payments is invalid")
	}
	if option.Users == nil {
		return nil, fmt.Errorf("nil Users is invalid")
	}
	if option.Metrics == nil {
		return nil, fmt.Errorf("nil Metrics is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Processor{
		ProcessorOptions: option,
	}, nil
}

func (p *Processor) CheckoutSessionCompleted(ctx context.Context, cs *gateway.CheckoutSession) error {
	logger := p.Logger.With(zap.String("CheckoutSessionID", cs.ID))
	if cs.SubscriptionID == "" {
		logger.Info("Checkout session without subscription, ignoring")
		return nil
	}

	userID, email, err := p.attribute(ctx, cs.ClientReferenceID, cs.CustomerID, cs.CustomerEmail)
	if err != nil {
		return err
	}

	if err := p.record(ctx, &payment.Payment{
		UserID:                 userID,
		Email:                  email,
		ExternalPaymentID:      cs.ID,
		ExternalSubscriptionID: cs.SubscriptionID,
		Amount:                 cs.AmountTotal,
		Currency:               cs.Currency,
		PaymentMethodType:      subscription.DefaultPaymentMethod,
		Status:                 payment.StatusSucceeded,
	}); err != nil {
		return err
	}

	course := cs.Metadata[subscription.MetadataCourseID]
	if course == subscription.NoCourse {
		course = ""
	}
	_, err = p.Reconciler.Reconcile(ctx, cs.SubscriptionID, subscription.ReconcileOptions{
		Trigger:       subscription.TriggerWebhook,
		CreateMissing: true,
		PaymentID:     cs.ID,
		UserID:        userID,
		Email:         email,
		CourseID:      course,
		Grant:         true,
	})
	return p.skipUntracked(logger, err)
}

func (p *Processor) InvoicePaymentSucceeded(ctx context.Context, inv *gateway.Invoice) error {
	return p.invoice(ctx, inv, payment.StatusSucceeded, inv.AmountPaid, subscription.ReconcileOptions{
		Trigger:       subscription.TriggerWebhook,
		CreateMissing: true,
		PaymentID:     inv.ID,
		Grant:         true,
	})
}

// InvoicePaymentFailed records the failure and lets the processor status
// drive the row; the local status never diverges from it.
func (p *Processor) InvoicePaymentFailed(ctx context.Context, inv *gateway.Invoice) error {
	return p.invoice(ctx, inv, payment.StatusFailed, inv.AmountDue, subscription.ReconcileOptions{
		Trigger: subscription.TriggerWebhook,
	})
}

func (p *Processor) invoice(ctx context.Context, inv *gateway.Invoice, status payment.Status, amount int64, opts subscription.ReconcileOptions) error {
	logger := p.Logger.With(
		zap.String("InvoiceID", inv.ID),
		zap.String("ExternalSubscriptionID", inv.SubscriptionID),
	)
	if p.Invoices != nil {
		if err := p.Invoices.Sync(ctx, inv); err != nil {
			return err
		}
	}
	if inv.SubscriptionID == "" {
		logger.Info("Invoice without subscription, no payment to reconcile")
		return nil
	}

	userID, email, err := p.attribute(ctx, "", inv.CustomerID, inv.CustomerEmail)
	if err != nil {
		return err
	}

	if err := p.record(ctx, &payment.Payment{
		UserID:                 userID,
		Email:                  email,
		ExternalPaymentID:      inv.ID,
		ExternalSubscriptionID: inv.SubscriptionID,
		Amount:                 amount,
		Currency:               inv.Currency,
		PaymentMethodType:      subscription.DefaultPaymentMethod,
		Status:                 status,
		ReceiptURL:             inv.HostedInvoiceURL,
	}); err != nil {
		return err
	}

	opts.UserID = userID
	opts.Email = email
	_, err = p.Reconciler.Reconcile(ctx, inv.SubscriptionID, opts)
	return p.skipUntracked(logger, err)
}

func (p *Processor) SubscriptionUpdated(ctx context.Context, sub *gateway.Subscription) error {
	logger := p.Logger.With(zap.String("ExternalSubscriptionID", sub.ID))
	_, err := p.Reconciler.Reconcile(ctx, sub.ID, subscription.ReconcileOptions{
		Trigger: subscription.TriggerWebhook,
	})
	return p.skipUntracked(logger, err)
}

// SubscriptionDeleted reconciles like an update. When the processor no
// longer returns the subscription, the event payload is applied instead.
func (p *Processor) SubscriptionDeleted(ctx context.Context, sub *gateway.Subscription) error {
	logger := p.Logger.With(zap.String("ExternalSubscriptionID", sub.ID))
	opts := subscription.ReconcileOptions{
		Trigger: subscription.TriggerWebhook,
	}
	_, err := p.Reconciler.Reconcile(ctx, sub.ID, opts)
	if errors.Is(err, apperr.ErrNotFound) {
		logger.Info("Deleted subscription is gone from the processor, applying event payload")
		_, err = p.Reconciler.Apply(ctx, sub, opts)
	}
	return p.skipUntracked(logger, err)
}

func (p *Processor) skipUntracked(logger *zap.Logger, err error) error {
	if errors.Is(err, subscription.ErrNotTracked) {
		logger.Warn("Subscription is not tracked locally, skipping",
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (p *Processor) record(ctx context.Context, pay *payment.Payment) error {
	created, err := p.Payments.Record(ctx, pay)
	if err != nil {
		return err
	}
	if created {
		p.Metrics.PaymentRecorded(string(pay.Status), pay.Currency)
	}
	return nil
}

// attribute finds the local user behind a payment. An unknown payer is not
// an error; the payment is recorded with the email alone.
func (p *Processor) attribute(ctx context.Context, userID, customerID, email string) (string, string, error) {
	var u *user.User
	var err error
	if customerID != "" {
		u, err = p.Users.GetByCustomerID(ctx, customerID)
		if err != nil {
			return "", "", err
		}
	}
	if u == nil && email != "" {
		u, err = p.Users.GetByEmail(ctx, email)
		if err != nil {
			return "", "", err
		}
	}
	if u != nil {
		if userID == "" {
			userID = u.ID
		}
		if email == "" {
			email = u.Email
		}
	}
	return userID, email, nil
}
