package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store persists Invoices. Lookups return (nil, nil) when nothing matches.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByExternalID(ctx context.Context, externalID string) (*Invoice, error)
	// UpdateStatus sets the status, and the receipt url when non-empty
	UpdateStatus(ctx context.Context, id, status, receiptURL string) (*Invoice, error)
	ListByUser(ctx context.Context, userID string) ([]Invoice, error)
}

var _ Store = &GormStore{}

// GormStore is the PostgreSQL Store
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore returns a Store backed by db
func NewGormStore(logger *zap.Logger, db *gorm.DB) (*GormStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Invoice{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize invoice.GormStore")
	}
	return &GormStore{
		db:     db,
		logger: logger,
	}, nil
}

func (g *GormStore) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	result := g.db.WithContext(ctx).Create(inv)
	if result.Error != nil {
		g.logger.Error("Unable to create new invoice in database",
			zap.String("ExternalInvoiceID", inv.ExternalInvoiceID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create invoice")
	}
	return nil
}

func (g *GormStore) first(ctx context.Context, query string, arg string) (*Invoice, error) {
	var inv Invoice

	result := g.db.WithContext(ctx).First(&inv, query, arg)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		g.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get invoice")
	}

	return &inv, nil
}

func (g *GormStore) Get(ctx context.Context, id string) (*Invoice, error) {
	return g.first(ctx, "id = ?", id)
}

func (g *GormStore) GetByExternalID(ctx context.Context, externalID string) (*Invoice, error) {
	return g.first(ctx, "external_invoice_id = ?", externalID)
}

func (g *GormStore) UpdateStatus(ctx context.Context, id, status, receiptURL string) (*Invoice, error) {
	updates := map[string]interface{}{
		"status": status,
	}
	if receiptURL != "" {
		updates["receipt_url"] = receiptURL
	}
	result := g.db.WithContext(ctx).
		Model(&Invoice{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		g.logger.Error("Unable to update invoice in database",
			zap.String("InvoiceID", id),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot update invoice")
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return g.Get(ctx, id)
}

func (g *GormStore) ListByUser(ctx context.Context, userID string) ([]Invoice, error) {
	results := make([]Invoice, 0, 1)
	result := g.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results)
	if result.Error != nil {
		g.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list invoices")
	}
	return results, nil
}
