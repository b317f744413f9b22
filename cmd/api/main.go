package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragespace/coursesub/app"
	"github.com/miragespace/coursesub/config"
	"github.com/miragespace/coursesub/invoice"
	"github.com/miragespace/coursesub/subscription"
	"github.com/miragespace/coursesub/user"
	"github.com/miragespace/coursesub/webhook"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	env, _ := config.DetectEnvironment()

	logger, err := config.NewLogger(env, "api", Version)
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

	userRouter, err := user.NewService(user.Options{
		UserManager: a.Users,
		Payments:    a.Payments,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize User Service Router",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		Manager: a.Subscriptions,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	invoiceRouter, err := invoice.NewService(invoice.ServiceOptions{
		Manager: a.Invoices,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Invoice Service Router",
			zap.Error(err),
		)
	}

	processor, err := webhook.NewProcessor(webhook.ProcessorOptions{
		Reconciler: a.Subscriptions,
		Payments:   a.Payments,
		Users:      a.Users,
		Invoices:   a.Invoices,
		Metrics:    a.Metrics,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize webhook processor",
			zap.Error(err),
		)
	}

	webhookRouter, err := webhook.NewService(webhook.ServiceOptions{
		Verifier: a.Verifier,
		Handler:  processor,
		Metrics:  a.Metrics,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RealIP)
	rootRouter.Use(middleware.Recoverer)

	// the webhook is called server to server and must see the raw body
	rootRouter.Mount("/webhook", webhookRouter.Router())

	rootRouter.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Mount("/users", userRouter.Router())
		r.Mount("/subscriptions", subscriptionRouter.Router())
		r.Mount("/invoices", invoiceRouter.Router())
	})

	rootRouter.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Handler:      rootRouter,
		Addr:         cfg.ListenAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("API server listening",
			zap.String("addr", cfg.ListenAddr),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server stopped unexpectedly",
				zap.Error(err),
			)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down API server")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
	a.Close(ctx)
}
