package riskservice

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/riskengine/pkg/messaging"
)

type fakeSubscriber struct {
	subject, queue string
	handler        func(*messaging.Event)
}

func (f *fakeSubscriber) QueueSubscribe(subject, queue string, handler func(*messaging.Event)) error {
	f.subject, f.queue, f.handler = subject, queue, handler
	return nil
}

func TestConsumeComputed(t *testing.T) {
	f := newFixture()
	sub := &fakeSubscriber{}
	require.NoError(t, f.svc.ConsumeComputed(sub, "risk-engine"))
	assert.Equal(t, messaging.SubjectMetricsComputed, sub.subject)
	assert.Equal(t, "risk-engine", sub.queue)

	t.Run("should refresh the aggregate portfolio", func(t *testing.T) {
		e, err := messaging.NewEvent(messaging.SubjectMetricsComputed, "pf-1",
			ComputedMetrics{Metrics: *healthy()}, messaging.Metadata{CorrelationID: "c-1"})
		require.NoError(t, err)

		sub.handler(e)

		require.Len(t, f.history.records, 1)
		assert.Equal(t, "pf-1", f.history.records[0].PortfolioID)
		assert.Equal(t, 70, f.history.records[0].Score.Score)
	})

	t.Run("should drop undecodable payloads", func(t *testing.T) {
		before := len(f.history.records)
		sub.handler(&messaging.Event{ID: uuid.New(), Type: messaging.SubjectMetricsComputed, Data: json.RawMessage(`[1,2]`)})
		assert.Len(t, f.history.records, before)
	})

	t.Run("should ignore unknown portfolios", func(t *testing.T) {
		before := len(f.history.records)
		e, err := messaging.NewEvent(messaging.SubjectMetricsComputed, "ghost", ComputedMetrics{}, messaging.Metadata{})
		require.NoError(t, err)
		sub.handler(e)
		assert.Len(t, f.history.records, before)
	})
}
