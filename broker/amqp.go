package broker

import (
	"context"
	"encoding/json"
	"sync"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Publisher = &AMQPBroker{}

const (
	subscriptionExchange string = "subscription_changes"
	routingKeyPrefix            = "subscription."
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	mu         sync.Mutex
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupSubscriptionExchange(); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for subscription changes")
	}

	return broker, nil
}

func (a *AMQPBroker) setupSubscriptionExchange() error {
	return a.channel.ExchangeDeclare(
		subscriptionExchange, // name
		"topic",              // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// RoutingKey returns the key a change with status is published under
func RoutingKey(status string) string {
	return routingKeyPrefix + status
}

// PublishSubscriptionChange publishes change under "subscription.<status>"
func (a *AMQPBroker) PublishSubscriptionChange(ctx context.Context, change SubscriptionChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(change)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.channel.Publish(
		subscriptionExchange,
		RoutingKey(change.Status),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    change.OccurredAt,
			Body:         body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish subscription change")
	}
	return nil
}

// ConsumeSubscriptionChanges binds a durable queue to bindingKey and delivers
// decoded changes until ctx is done. Undecodable messages are dropped.
func (a *AMQPBroker) ConsumeSubscriptionChanges(ctx context.Context, qName, bindingKey string) (<-chan SubscriptionChange, error) {
	if _, err := a.channel.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := a.channel.QueueBind(
		qName,
		bindingKey,
		subscriptionExchange,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot bind queue")
	}
	msgChan, err := a.channel.Consume(
		qName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}

	rChan := make(chan SubscriptionChange)
	go func() {
		defer close(rChan)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgChan:
				if !ok {
					return
				}
				var change SubscriptionChange
				if err := json.Unmarshal(d.Body, &change); err != nil {
					d.Nack(false, false)
					continue
				}
				select {
				case rChan <- change:
					d.Ack(false)
				case <-ctx.Done():
					d.Nack(false, true)
					return
				}
			}
		}
	}()
	return rChan, nil
}
