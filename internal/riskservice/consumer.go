package riskservice

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/pkg/messaging"
)

// Subscriber is the part of the bus client used for inbound metrics
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(*messaging.Event)) error
}

const handleTimeout = 30 * time.Second

// ConsumeComputed refreshes portfolios as risk.metrics.computed events
// arrive. Members of the same queue group share the stream.
func (s *Service) ConsumeComputed(sub Subscriber, queue string) error {
	return sub.QueueSubscribe(messaging.SubjectMetricsComputed, queue, func(e *messaging.Event) {
		msg, err := messaging.ParseEventData[ComputedMetrics](e)
		if err != nil {
			s.logger.Warn("dropping computed metrics", zap.String("event", e.ID.String()), zap.Error(err))
			return
		}
		if msg.PortfolioID == "" {
			msg.PortfolioID = e.AggregateID
		}

		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()
		ctx = messaging.WithCorrelationID(ctx, e.Metadata.CorrelationID)

		if err := s.HandleComputed(ctx, *msg); err != nil {
			s.logger.Warn("computed metrics not applied",
				zap.String("portfolio", msg.PortfolioID),
				zap.String("event", e.ID.String()),
				zap.Error(err),
			)
		}
	})
}
