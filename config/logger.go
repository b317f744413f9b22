package config

import (
	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns the structural logger for env. Errors are also
// forwarded to sentry, tagged with component.
func NewLogger(env Environment, component, version string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if env == EnvProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize logger")
	}
	if version != "" {
		logger = logger.With(zap.String("Version", version))
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(env),
		Debug:       env == EnvDevelopment,
	}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize sentry")
	}

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": component,
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot attach sentry to logger")
	}
	return zapsentry.AttachCoreToLogger(core, logger), nil
}
