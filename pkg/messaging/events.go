package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subjects
const (
	SubjectMetricsComputed = "risk.metrics.computed"
	SubjectScoreUpdated    = "risk.score.updated"
	SubjectLimitBreached   = "risk.limit_breached"
	SubjectProfileUpdated  = "risk.profile.updated"
)

var ErrMalformedEvent = errors.New("malformed event")

// Event is the envelope for everything published on the bus
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     int             `json:"version"`
	Data        json.RawMessage `json:"data"`
	Metadata    Metadata        `json:"metadata"`
}

// Metadata contains event metadata
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateID string, data interface{}, metadata Metadata) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return &Event{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Version:     1,
		Data:        raw,
		Metadata:    metadata,
	}, nil
}

// DecodeEvent parses an envelope
func DecodeEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Type == "" || e.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	return &e, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &data, nil
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id to ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached to ctx, if any
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
