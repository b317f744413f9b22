// Package app wires the service components from a Config
package app

import (
	"context"

	"github.com/miragespace/coursesub/broker"
	"github.com/miragespace/coursesub/catalog"
	"github.com/miragespace/coursesub/config"
	"github.com/miragespace/coursesub/db"
	"github.com/miragespace/coursesub/enrollment"
	"github.com/miragespace/coursesub/gateway"
	"github.com/miragespace/coursesub/invoice"
	"github.com/miragespace/coursesub/metrics"
	"github.com/miragespace/coursesub/payment"
	"github.com/miragespace/coursesub/subscription"
	"github.com/miragespace/coursesub/user"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the long-lived components shared by the binaries
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB        *gorm.DB
	Redis     redis.UniversalClient
	Publisher broker.Publisher
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics

	Catalog       *catalog.Catalog
	Gateway       *gateway.Stripe
	Verifier      *gateway.EventVerifier
	Users         *user.Manager
	Payments      *payment.Manager
	Notifier      *enrollment.Notifier
	Subscriptions *subscription.Manager
	Invoices      *invoice.Manager
}

// New connects to every backing service and builds the managers. Redis and
// the message broker are optional and skipped when not configured.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Publisher: broker.Noop{},
		Registry:  prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	var err error

	a.Catalog, err = catalog.Load(cfg.PathToPlanJSON)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot load plan catalog")
	}

	a.DB, err = db.New(db.Options{
		URI:    cfg.PostgresURI,
		Logger: logger,
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Postgres")
	}

	if cfg.RedisURI != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisURI},
			Password: cfg.RedisPW,
			DB:       0,
		})
		if _, err := rdb.Ping().Result(); err != nil {
			rdb.Close()
			return nil, extErrors.Wrap(err, "Cannot connect to Redis")
		}
		a.Redis = rdb
	} else {
		logger.Info("REDIS_URI not set, LMS token will not be cached")
	}

	if cfg.AMQPURI != "" {
		amqpBroker, err := broker.NewAMQPBroker(cfg.AMQPURI)
		if err != nil {
			a.Close(context.Background())
			return nil, err
		}
		a.Publisher, err = broker.NewBackground(broker.BackgroundOptions{
			Publisher: amqpBroker,
			Logger:    logger,
		})
		if err != nil {
			amqpBroker.Close()
			a.Close(context.Background())
			return nil, extErrors.Wrap(err, "Cannot start background publisher")
		}
	} else {
		logger.Info("AMQP_URI not set, subscription changes will not be published")
	}

	if err := a.build(); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	var err error

	a.Gateway, err = gateway.NewStripe(gateway.StripeOptions{
		StripeClient: gateway.NewStripeClient(a.Config.StripeKey),
		Logger:       a.Logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize Stripe gateway")
	}

	a.Verifier, err = gateway.NewEventVerifier(a.Config.StripeWebhookSecret)
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize webhook verifier")
	}

	a.Users, err = user.NewManager(a.Logger, a.DB)
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize UserManager")
	}

	a.Payments, err = payment.NewManager(a.Logger, a.DB)
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize PaymentManager")
	}

	store, err := subscription.NewGormStore(a.Logger, a.DB)
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize subscription store")
	}

	lms, err := enrollment.NewClient(enrollment.ClientOptions{
		BaseURL:  a.Config.LMS.BaseURL,
		Username: a.Config.LMS.Username,
		Password: a.Config.LMS.Password,
		Role:     a.Config.LMS.Role,
		Redis:    a.Redis,
		Logger:   a.Logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize LMS client")
	}

	a.Notifier, err = enrollment.NewNotifier(enrollment.NotifierOptions{
		LMS:     lms,
		Timeout: a.Config.LMS.Timeout,
		Metrics: a.Metrics,
		Logger:  a.Logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize LMS notifier")
	}

	a.Subscriptions, err = subscription.NewManager(subscription.ManagerOptions{
		Gateway:   a.Gateway,
		Store:     store,
		Users:     a.Users,
		Catalog:   a.Catalog,
		Enroller:  a.Notifier,
		Publisher: a.Publisher,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize SubscriptionManager")
	}

	invoiceStore, err := invoice.NewGormStore(a.Logger, a.DB)
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize invoice store")
	}

	a.Invoices, err = invoice.NewManager(invoice.ManagerOptions{
		Gateway: a.Gateway,
		Store:   invoiceStore,
		Users:   a.Users,
		Catalog: a.Catalog,
		Logger:  a.Logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize InvoiceManager")
	}
	return nil
}

// Close waits for in-flight LMS grants, then releases connections
func (a *App) Close(ctx context.Context) {
	if a.Notifier != nil {
		if err := a.Notifier.Drain(ctx); err != nil {
			a.Logger.Warn("LMS grants still in flight at shutdown",
				zap.Error(err),
			)
		}
	}
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
