package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/miragespace/coursesub/app"
	"github.com/miragespace/coursesub/config"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

// sync pulls every processor subscription of one user into the local store,
// recovering from missed webhooks.
func main() {
	email := flag.String("email", "", "email of the user to synchronize")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline")
	flag.Parse()

	if *email == "" {
		flag.Usage()
		os.Exit(2)
	}

	env, _ := config.DetectEnvironment()

	logger, err := config.NewLogger(env, "sync", Version)
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer logger.Sync()
	defer sentry.Flush(time.Second * 2)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Cannot initialize application",
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	defer a.Close(ctx)

	res, err := a.Subscriptions.SyncAll(ctx, *email)
	if err != nil {
		logger.Error("Cannot synchronize subscriptions",
			zap.String("email", *email),
			zap.Error(err),
		)
		a.Close(ctx)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("Cannot print sync result",
			zap.Error(err),
		)
	}
}
