package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragespace/coursesub/broker"
	"github.com/miragespace/coursesub/config"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

// feed follows the subscription change exchange and prints every change as
// one JSON line, for downstream consumers and for debugging.
func main() {
	queue := flag.String("queue", "coursesub.feed", "durable queue to consume from")
	binding := flag.String("binding", broker.RoutingKey("#"), "routing key pattern, e.g. subscription.active")
	flag.Parse()

	env, _ := config.DetectEnvironment()

	logger, err := config.NewLogger(env, "feed", Version)
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer logger.Sync()
	defer sentry.Flush(time.Second * 2)

	uri, err := config.LoadBrokerURI()
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	amqpBroker, err := broker.NewAMQPBroker(uri)
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := amqpBroker.ConsumeSubscriptionChanges(ctx, *queue, *binding)
	if err != nil {
		logger.Fatal("Cannot get message channel",
			zap.Error(err),
		)
	}

	logger.Info("Following subscription changes",
		zap.String("queue", *queue),
		zap.String("binding", *binding),
	)

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-c:
			logger.Info("Shutting down feed")
			return
		case change, ok := <-changes:
			if !ok {
				logger.Error("Broker closed the delivery channel")
				return
			}
			logger.Debug("Received subscription change",
				zap.String("SubscriptionID", change.SubscriptionID),
				zap.String("Status", change.Status),
			)
			if err := enc.Encode(change); err != nil {
				logger.Error("Cannot print subscription change",
					zap.Error(err),
				)
			}
		}
	}
}
