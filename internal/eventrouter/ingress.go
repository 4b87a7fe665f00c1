package eventrouter

import (
	"context"

	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/queue"
)

// EventNotificationQueue is the inbound queue name external publishers
// deliver workflow notifications to.
const EventNotificationQueue = "event.notification"

// AMQPIngress subscribes Router.RouteEvent to the event.notification queue,
// so events delivered over the message bus and events delivered by direct
// RouteEvent call share one routing path.
type AMQPIngress struct {
	q      queue.Queue
	router *Router
	logger *zap.Logger
}

func NewAMQPIngress(q queue.Queue, router *Router, logger *zap.Logger) *AMQPIngress {
	return &AMQPIngress{q: q, router: router, logger: logger}
}

// Start begins consuming event.notification; each message is routed
// independently so one malformed event never blocks the queue.
func (i *AMQPIngress) Start(ctx context.Context) error {
	return i.q.Subscribe(ctx, EventNotificationQueue, func(body []byte) error {
		result := i.router.RouteEvent(ctx, body)
		if !result.Routed {
			i.logger.Debug("event not routed", zap.String("reason", result.Error))
			return nil
		}
		if result.Error != "" {
			i.logger.Warn("event routed with handler error",
				zap.String("step_id", result.StepExecutionID), zap.String("error", result.Error))
		}
		return nil
	})
}
