package payment

import (
	"context"
	"fmt"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager writes payment records
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for payments
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Payment{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize payment.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Record appends p unless a payment with the same ExternalPaymentID and
// Status was already recorded. It reports whether a new row was written.
func (m *Manager) Record(ctx context.Context, p *Payment) (bool, error) {
	if p.ExternalPaymentID == "" {
		return false, fmt.Errorf("empty ExternalPaymentID is invalid")
	}
	if p.ID == "" {
		p.ID = shortuuid.New()
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_payment_id"}, {Name: "status"}},
		DoNothing: true,
	}).Create(p)
	if result.Error != nil {
		m.logger.Error("Unable to record payment in database",
			zap.String("ExternalPaymentID", p.ExternalPaymentID),
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot record payment")
	}
	return result.RowsAffected > 0, nil
}

// ListByUser returns the payments of a user, newest first
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]Payment, error) {
	results := make([]Payment, 0, 1)
	result := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list payments")
	}
	return results, nil
}
