package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists Subscriptions. Lookups return (nil, nil) when nothing matches.
type Store interface {
	// Upsert writes the provided fields of the row keyed by externalID in a
	// single statement, inserting the row when it does not exist.
	Upsert(ctx context.Context, externalID string, f Fields) (*Subscription, error)
	Create(ctx context.Context, s *Subscription) error
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// FindByExternalIDOrPaymentID tries the subscription id first, then the payment id
	FindByExternalIDOrPaymentID(ctx context.Context, id string) (*Subscription, error)
	// LinkExternalID sets the external id on the unlinked row funded by paymentID
	LinkExternalID(ctx context.Context, paymentID, externalID string) (*Subscription, error)
	// ClaimPending sets the external id on the unlinked row with the given id
	ClaimPending(ctx context.Context, id, externalID string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]Subscription, error)
	FindActiveForCourse(ctx context.Context, userID, courseID string, now time.Time) (*Subscription, error)
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
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.GormStore")
	}
	return &GormStore{
		db:     db,
		logger: logger,
	}, nil
}

func (g *GormStore) Upsert(ctx context.Context, externalID string, f Fields) (*Subscription, error) {
	if externalID == "" {
		return nil, fmt.Errorf("empty externalID is invalid")
	}
	row := &Subscription{
		ID:                     uuid.New().String(),
		ExternalSubscriptionID: stringPtr(externalID),
	}
	f.applyTo(row)

	cols := append(f.columns(), "updated_at")
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_subscription_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(row)
	if result.Error != nil {
		g.logger.Error("Unable to upsert subscription in database",
			zap.String("ExternalSubscriptionID", externalID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot upsert subscription")
	}

	// the generated ID is discarded when the row already existed
	return g.FindByExternalID(ctx, externalID)
}

func (g *GormStore) Create(ctx context.Context, s *Subscription) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	result := g.db.WithContext(ctx).Create(s)
	if result.Error != nil {
		g.logger.Error("Unable to create new subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create subscription")
	}
	return nil
}

func (g *GormStore) first(ctx context.Context, query string, args ...interface{}) (*Subscription, error) {
	var sub Subscription

	result := g.db.WithContext(ctx).Order("created_at desc").First(&sub, append([]interface{}{query}, args...)...)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		g.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription")
	}

	return &sub, nil
}

func (g *GormStore) FindByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return g.first(ctx, "external_subscription_id = ?", externalID)
}

func (g *GormStore) FindByExternalIDOrPaymentID(ctx context.Context, id string) (*Subscription, error) {
	sub, err := g.FindByExternalID(ctx, id)
	if err != nil || sub != nil {
		return sub, err
	}
	return g.first(ctx, "external_payment_id = ?", id)
}

func (g *GormStore) LinkExternalID(ctx context.Context, paymentID, externalID string) (*Subscription, error) {
	return g.link(ctx, externalID, "external_payment_id = ? AND external_subscription_id IS NULL", paymentID)
}

func (g *GormStore) ClaimPending(ctx context.Context, id, externalID string) (*Subscription, error) {
	return g.link(ctx, externalID, "id = ? AND external_subscription_id IS NULL", id)
}

// link sets externalID on the newest row matching query under a row lock
func (g *GormStore) link(ctx context.Context, externalID string, query string, arg string) (*Subscription, error) {
	var desired Subscription
	var linked bool
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Order("created_at desc").
			First(&current, query, arg)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		desired = current
		desired.ExternalSubscriptionID = stringPtr(externalID)
		if saveRes := tx.Save(&desired); saveRes.Error != nil {
			return saveRes.Error
		}
		linked = true
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		g.logger.Error("Unable to link subscription",
			zap.String("lookup", arg),
			zap.String("ExternalSubscriptionID", externalID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot link subscription to external id")
	}
	if !linked {
		return nil, nil
	}
	return &desired, nil
}

func (g *GormStore) ListByUser(ctx context.Context, userID string) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := g.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results)
	if result.Error != nil {
		g.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list subscriptions")
	}
	return results, nil
}

func (g *GormStore) FindActiveForCourse(ctx context.Context, userID, courseID string, now time.Time) (*Subscription, error) {
	return g.first(ctx, "user_id = ? AND course_id = ? AND status = ? AND end_date > ?", userID, courseID, StatusActive, now)
}
