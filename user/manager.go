package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Users
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for users
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize user.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Register returns the user with email, creating it when it does not exist yet
func (m *Manager) Register(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u := &User{
		ID:    uuid.New().String(),
		Email: email,
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(u)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot register user")
	}
	return m.GetByEmail(ctx, email)
}

// GetByID will try to return the user in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*User, error) {
	return m.first(ctx, "id = ?", id)
}

// GetByEmail will try to return the user in the database by email address
func (m *Manager) GetByEmail(ctx context.Context, email string) (*User, error) {
	return m.first(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

// GetByCustomerID will try to return the user linked to a Stripe customer
func (m *Manager) GetByCustomerID(ctx context.Context, customerID string) (*User, error) {
	return m.first(ctx, "customer_id = ?", customerID)
}

func (m *Manager) first(ctx context.Context, query string, arg string) (*User, error) {
	var u User

	result := m.db.WithContext(ctx).First(&u, query, arg)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user")
	}

	return &u, nil
}

// SwapCustomerID links the user to a Stripe customer, provided the stored
// link still equals previous ("" when unlinked). It reports whether the
// link was written.
func (m *Manager) SwapCustomerID(ctx context.Context, id, previous, customerID string) (bool, error) {
	tx := m.db.WithContext(ctx).Model(&User{})
	if previous == "" {
		tx = tx.Where("id = ? AND (customer_id IS NULL OR customer_id = '')", id)
	} else {
		tx = tx.Where("id = ? AND customer_id = ?", id, previous)
	}
	result := tx.Update("customer_id", customerID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot link user to customer")
	}
	return result.RowsAffected > 0, nil
}
