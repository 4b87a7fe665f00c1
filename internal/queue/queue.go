// Package queue is the engine's AMQP event transport: external services
// publish workflow notifications to a durable queue and the event ingress
// consumes them one at a time. Failures surface as ExternalServiceError so
// callers treat a broken broker the same way as any other downstream outage.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/errs"
)

// MessageHandler processes one delivered message body. A nil return
// acknowledges the message; an error sends it back for one redelivery, after
// which it is dropped (the timeout scheduler backstops any step the event
// would have completed).
type MessageHandler func(body []byte) error

// Queue is the transport contract the event ingress and any outbound
// notifier depend on.
type Queue interface {
	Publish(ctx context.Context, exchange, routingKey string, message interface{}) error
	Subscribe(ctx context.Context, queueName string, handler MessageHandler) error
	Close() error
}

// RabbitMQQueue implements Queue over a single AMQP connection and channel.
type RabbitMQQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
}

// NewRabbitMQQueue dials the broker and applies the consumer prefetch so a
// burst of workflow notifications cannot swamp the routing goroutine.
func NewRabbitMQQueue(url string, prefetchCount int, logger *zap.Logger) (*RabbitMQQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalService, "amqp dial failed", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.KindExternalService, "amqp channel open failed", err)
	}

	if prefetchCount > 0 {
		if err := channel.Qos(prefetchCount, 0, false); err != nil {
			channel.Close()
			conn.Close()
			return nil, errs.Wrap(errs.KindExternalService, "amqp qos setup failed", err)
		}
	}

	return &RabbitMQQueue{
		conn:    conn,
		channel: channel,
		logger:  logger,
	}, nil
}

// Publish JSON-encodes message and sends it persistently so in-flight
// notifications survive a broker restart.
func (q *RabbitMQQueue) Publish(ctx context.Context, exchange, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return errs.Wrap(errs.KindExternalService, "marshal queue message failed", err)
	}

	err = q.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return errs.Wrap(errs.KindExternalService, "amqp publish failed", err)
	}

	q.logger.Debug("message published",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

// Subscribe declares queueName durable, starts consuming, and feeds each
// delivery through handler until ctx is canceled or the channel closes.
func (q *RabbitMQQueue) Subscribe(ctx context.Context, queueName string, handler MessageHandler) error {
	if _, err := q.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return errs.Wrap(errs.KindExternalService, "amqp queue declare failed", err)
	}

	msgs, err := q.channel.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errs.Wrap(errs.KindExternalService, "amqp consume failed", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					q.logger.Warn("amqp delivery channel closed", zap.String("queue", queueName))
					return
				}
				q.handleDelivery(queueName, msg, handler)
			}
		}
	}()

	q.logger.Info("consuming queue", zap.String("queue", queueName))
	return nil
}

// handleDelivery acks on success; a first failure requeues, a failure of a
// redelivered message drops it so one poison event cannot loop forever.
func (q *RabbitMQQueue) handleDelivery(queueName string, msg amqp.Delivery, handler MessageHandler) {
	if err := handler(msg.Body); err != nil {
		requeue := !msg.Redelivered
		q.logger.Error("message handling failed",
			zap.Error(err),
			zap.String("queue", queueName),
			zap.Bool("requeue", requeue),
		)
		msg.Nack(false, requeue)
		return
	}
	msg.Ack(false)
}

// Close tears down the channel and connection.
func (q *RabbitMQQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		return errs.Wrap(errs.KindExternalService, "amqp channel close failed", err)
	}
	if err := q.conn.Close(); err != nil {
		return errs.Wrap(errs.KindExternalService, "amqp connection close failed", err)
	}
	return nil
}
