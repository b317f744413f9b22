package db

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

type patchedLogger struct {
	zapgorm2.Logger
}

// ErrRecordNotFound will be handled in application logic, let's not forward this to zap/sentry
func (l *patchedLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == gorm.ErrRecordNotFound {
		return
	}
	l.Logger.Trace(ctx, begin, fc, err)
}

// Options configures the PostgreSQL connection
type Options struct {
	URI    string
	Logger *zap.Logger

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

func (o *Options) validate() error {
	if o.URI == "" {
		return fmt.Errorf("empty URI is invalid")
	}
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if o.MaxIdleConns == 0 {
		o.MaxIdleConns = 1
	}
	if o.MaxOpenConns == 0 {
		o.MaxOpenConns = 20
	}
	if o.ConnMaxLifetime == 0 {
		o.ConnMaxLifetime = time.Hour
	}
	return nil
}

// NewLogger returns the gorm logger backed by zap
func NewLogger(logger *zap.Logger) gormlogger.Interface {
	return &patchedLogger{
		Logger: zapgorm2.Logger{
			ZapLogger:        logger,
			LogLevel:         gormlogger.Warn,
			SlowThreshold:    time.Second,
			SkipCallerLookup: false,
		},
	}
}

// New returns an instance for interacting with the PostgreSQL database
func New(option Options) (*gorm.DB, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(option.URI), &gorm.Config{
		Logger: NewLogger(option.Logger),
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to database")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxIdleConns(option.MaxIdleConns)
	pool.SetMaxOpenConns(option.MaxOpenConns)
	pool.SetConnMaxLifetime(option.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		return nil, extErrors.Wrap(err, "Cannot reach database")
	}
	return db, nil
}
