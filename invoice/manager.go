package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miragespace/coursesub/apperr"
	"github.com/miragespace/coursesub/catalog"
	"github.com/miragespace/coursesub/gateway"
	"github.com/miragespace/coursesub/subscription"
	"github.com/miragespace/coursesub/user"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultCurrency = "usd"

// MetadataInvoiceRef holds the local invoice id on the processor invoice
const MetadataInvoiceRef = "invoice_ref"

// Gateway is the invoice surface of the payment processor
type Gateway interface {
	CreateInvoice(ctx context.Context, p gateway.InvoiceParams) (*gateway.Invoice, error)
	FinalizeInvoice(ctx context.Context, id string) (*gateway.Invoice, error)
	PayInvoice(ctx context.Context, id string) (*gateway.Invoice, error)
	RetrieveInvoice(ctx context.Context, id string) (*gateway.Invoice, error)
}

// Users looks up the payer of an invoice
type Users interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

var (
	_ Gateway = gateway.Gateway(nil)
	_ Users   = &user.Manager{}
)

// ManagerOptions contains the collaborators of the invoice Manager
type ManagerOptions struct {
	Gateway Gateway
	Store   Store
	Users   Users
	Catalog *catalog.Catalog
	Logger  *zap.Logger
	Now     func() time.Time
}

// Manager issues processor invoices and mirrors their status locally
type Manager struct {
	ManagerOptions
}

// NewManager returns an invoice Manager
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Users == nil {
		return nil, fmt.Errorf("nil Users is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GenerateRequest describes a one-line invoice. AmountDue is in minor units.
type GenerateRequest struct {
	UserID    string
	PlanID    string
	CourseID  string
	Kind      Kind
	AmountDue int64
	Currency  string
}

// Details is the local invoice next to the processor snapshot it was read from
type Details struct {
	Invoice *Invoice         `json:"invoice"`
	Gateway *gateway.Invoice `json:"gateway"`
}

// Generate creates an auto-advancing processor invoice charged to the user's
// customer and records it locally. The user must already have a customer.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (*Details, error) {
	if req.UserID == "" {
		return nil, apperr.NewValidationError("userId", "required")
	}
	if req.AmountDue <= 0 {
		return nil, apperr.NewValidationError("amountDue", "must be positive")
	}
	if req.Kind != KindRecurring && req.Kind != KindOneTime {
		return nil, apperr.NewValidationError("kind", fmt.Sprintf("must be %s or %s", KindRecurring, KindOneTime))
	}
	plan, err := m.Catalog.Resolve(req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.CourseScoped && req.CourseID == "" {
		return nil, apperr.NewValidationError("courseId", fmt.Sprintf("required for plan %s", plan.ID))
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	u, err := m.Users.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.NewNotFoundError("user", req.UserID)
	}
	if !u.HasCustomer() {
		return nil, apperr.NewValidationError("userId", "user has no payment processor customer")
	}

	logger := m.Logger.With(
		zap.String("UserID", u.ID),
		zap.String("PlanID", plan.ID),
	)

	id := uuid.New().String()
	g, err := m.Gateway.CreateInvoice(ctx, gateway.InvoiceParams{
		CustomerID:  *u.CustomerID,
		Amount:      req.AmountDue,
		Currency:    currency,
		Description: describe(plan, req.CourseID, req.Kind),
		Metadata: map[string]string{
			subscription.MetadataSource: subscription.SourceTag,
			subscription.MetadataUserID: u.ID,
			subscription.MetadataPlanID: plan.ID,
			MetadataInvoiceRef:          id,
		},
	})
	if err != nil {
		logger.Error("Unable to create invoice at payment processor",
			zap.Error(err),
		)
		return nil, err
	}

	inv := &Invoice{
		ID:                id,
		UserID:            u.ID,
		Email:             u.Email,
		PlanID:            plan.ID,
		CourseID:          req.CourseID,
		ExternalInvoiceID: g.ID,
		Kind:              req.Kind,
		AmountDue:         req.AmountDue,
		Currency:          currency,
		Status:            g.Status,
		DueDate:           m.Now().UTC().Add(DueAfter),
	}
	if err := m.Store.Create(ctx, inv); err != nil {
		logger.Error("Processor invoice created but not recorded locally",
			zap.String("ExternalInvoiceID", g.ID),
			zap.Error(err),
		)
		return nil, err
	}

	logger.Info("Generated invoice",
		zap.String("InvoiceID", inv.ID),
		zap.String("ExternalInvoiceID", g.ID),
	)
	return &Details{Invoice: inv, Gateway: g}, nil
}

func describe(plan catalog.Plan, courseID string, kind Kind) string {
	kindName := "One-time"
	if kind == KindRecurring {
		kindName = "Recurring"
	}
	desc := fmt.Sprintf("Invoice for %s plan - %s payment", plan.Name, kindName)
	if courseID != "" {
		desc += " - Course " + courseID
	}
	return desc
}

// Finalize moves a draft invoice to open at the processor
func (m *Manager) Finalize(ctx context.Context, id string) (*Details, error) {
	return m.advance(ctx, id, "finalize", m.Gateway.FinalizeInvoice)
}

// Pay attempts to collect an invoice, finalizing it first when it is a draft.
// The hosted invoice page is kept as the receipt.
func (m *Manager) Pay(ctx context.Context, id string) (*Details, error) {
	return m.advance(ctx, id, "pay", m.Gateway.PayInvoice)
}

// Get returns the local invoice refreshed from the processor
func (m *Manager) Get(ctx context.Context, id string) (*Details, error) {
	return m.advance(ctx, id, "retrieve", m.Gateway.RetrieveInvoice)
}

func (m *Manager) advance(ctx context.Context, id, op string, call func(context.Context, string) (*gateway.Invoice, error)) (*Details, error) {
	inv, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := call(ctx, inv.ExternalInvoiceID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, &apperr.NotFoundError{Entity: "invoice", ID: inv.ExternalInvoiceID, Err: err}
		}
		m.Logger.Error("Unable to "+op+" invoice at payment processor",
			zap.String("InvoiceID", inv.ID),
			zap.Error(err),
		)
		return nil, err
	}
	updated, err := m.apply(ctx, inv, g)
	if err != nil {
		return nil, err
	}
	return &Details{Invoice: updated, Gateway: g}, nil
}

// apply copies the processor status onto inv when it changed
func (m *Manager) apply(ctx context.Context, inv *Invoice, g *gateway.Invoice) (*Invoice, error) {
	receipt := ""
	if g.Status == gateway.InvoicePaid || inv.ReceiptURL != "" {
		receipt = g.HostedInvoiceURL
	}
	if inv.Status == g.Status && (receipt == "" || inv.ReceiptURL == receipt) {
		return inv, nil
	}
	updated, err := m.Store.UpdateStatus(ctx, inv.ID, g.Status, receipt)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apperr.NewNotFoundError("invoice", inv.ID)
	}
	m.Logger.Info("Invoice status changed",
		zap.String("InvoiceID", inv.ID),
		zap.String("from", inv.Status),
		zap.String("to", g.Status),
	)
	return updated, nil
}

// ListByUser returns the invoices of a user, newest first
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]Invoice, error) {
	if userID == "" {
		return nil, apperr.NewValidationError("userId", "required")
	}
	return m.Store.ListByUser(ctx, userID)
}

// Sync applies an invoice snapshot delivered by a webhook. Invoices that
// were not generated here are ignored.
func (m *Manager) Sync(ctx context.Context, g *gateway.Invoice) error {
	inv, err := m.Store.GetByExternalID(ctx, g.ID)
	if err != nil {
		return err
	}
	if inv == nil {
		return nil
	}
	_, err = m.apply(ctx, inv, g)
	return err
}

func (m *Manager) mustGet(ctx context.Context, id string) (*Invoice, error) {
	if id == "" {
		return nil, apperr.NewValidationError("invoiceId", "required")
	}
	inv, err := m.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, apperr.NewNotFoundError("invoice", id)
	}
	return inv, nil
}
