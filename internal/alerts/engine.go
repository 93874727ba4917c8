package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/internal/classifier"
	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/pkg/messaging"
)

// Kind distinguishes a breach from a recovery
type Kind string

const (
	KindBreach    Kind = "breach"
	KindRecovered Kind = "recovered"
)

// Alert records a metric moving between statuses
type Alert struct {
	ID             uuid.UUID         `json:"id"`
	PortfolioID    string            `json:"portfolioId"`
	Metric         metrics.Field     `json:"metric"`
	Kind           Kind              `json:"kind"`
	Previous       classifier.Status `json:"previousStatus"`
	Status         classifier.Status `json:"status"`
	CurrentValue   *float64          `json:"currentValue"`
	ThresholdValue float64           `json:"thresholdValue"`
	Message        string            `json:"message"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Repository persists alerts
type Repository interface {
	InsertAlert(ctx context.Context, a Alert) error
	ListAlerts(ctx context.Context, portfolioID string, limit int) ([]Alert, error)
}

// Publisher sends events to the bus
type Publisher interface {
	Publish(ctx context.Context, subject, aggregateID string, data interface{}) error
}

// Engine turns successive evaluations into breach and recovery alerts.
// The last known status per portfolio and metric lives in memory and is
// seeded from the newest stored alert of each metric on first use, so a
// restart does not repeat breaches. A metric with no history is compared
// against safe.
type Engine struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	last map[string]map[metrics.Field]classifier.Status
}

func NewEngine(repo Repository, publisher Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:      repo,
		publisher: publisher,
		logger:    logger.Named("alerts"),
		now:       time.Now,
		last:      make(map[string]map[metrics.Field]classifier.Status),
	}
}

// Process compares evals with the previous statuses of portfolioID and
// emits an alert for every transition. Alerts are returned even when
// persisting or publishing some of them failed.
func (e *Engine) Process(ctx context.Context, portfolioID string, evals []classifier.Evaluation) ([]Alert, error) {
	e.seed(ctx, portfolioID)
	fired := e.transitions(portfolioID, evals)

	var errs []error
	for _, a := range fired {
		if e.repo != nil {
			if err := e.repo.InsertAlert(ctx, a); err != nil {
				errs = append(errs, fmt.Errorf("failed to store alert %s: %w", a.ID, err))
			}
		}
		if e.publisher != nil {
			if err := e.publisher.Publish(ctx, messaging.SubjectLimitBreached, portfolioID, a); err != nil {
				errs = append(errs, fmt.Errorf("failed to publish alert %s: %w", a.ID, err))
			}
		}
		e.logger.Info("risk alert",
			zap.String("portfolio", portfolioID),
			zap.String("metric", string(a.Metric)),
			zap.String("from", string(a.Previous)),
			zap.String("to", string(a.Status)),
		)
	}
	return fired, errors.Join(errs...)
}

func (e *Engine) transitions(portfolioID string, evals []classifier.Evaluation) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.last[portfolioID]
	if !ok {
		prev = make(map[metrics.Field]classifier.Status)
		e.last[portfolioID] = prev
	}

	var fired []Alert
	for _, ev := range evals {
		// unavailable says nothing about the limit; keep the last real status
		if ev.Status == classifier.StatusUnavailable {
			continue
		}
		before, seen := prev[ev.Metric]
		if !seen {
			before = classifier.StatusSafe
		}
		prev[ev.Metric] = ev.Status
		if before == ev.Status {
			continue
		}

		kind := KindBreach
		if ev.Status == classifier.StatusSafe {
			kind = KindRecovered
		}
		fired = append(fired, Alert{
			ID:             uuid.New(),
			PortfolioID:    portfolioID,
			Metric:         ev.Metric,
			Kind:           kind,
			Previous:       before,
			Status:         ev.Status,
			CurrentValue:   ev.CurrentValue,
			ThresholdValue: ev.ThresholdValue,
			Message:        message(ev, before),
			CreatedAt:      e.now().UTC(),
		})
	}
	return fired
}

// seedLimit covers several alerts per metric
const seedLimit = 50

// seed loads the last stored status of each metric the first time a
// portfolio is seen. After a failed lookup every metric starts from safe.
func (e *Engine) seed(ctx context.Context, portfolioID string) {
	if e.repo == nil {
		return
	}
	e.mu.Lock()
	_, known := e.last[portfolioID]
	e.mu.Unlock()
	if known {
		return
	}

	recent, err := e.repo.ListAlerts(ctx, portfolioID, seedLimit)
	if err != nil {
		e.logger.Warn("failed to seed alert state", zap.String("portfolio", portfolioID), zap.Error(err))
		return
	}
	statuses := make(map[metrics.Field]classifier.Status)
	// newest first
	for _, a := range recent {
		if _, ok := statuses[a.Metric]; !ok {
			statuses[a.Metric] = a.Status
		}
	}

	e.mu.Lock()
	if _, known := e.last[portfolioID]; !known {
		e.last[portfolioID] = statuses
	}
	e.mu.Unlock()
}

// Forget drops the remembered statuses of a portfolio that no longer
// exists.
func (e *Engine) Forget(portfolioID string) {
	e.mu.Lock()
	delete(e.last, portfolioID)
	e.mu.Unlock()
}

// List returns the most recent alerts of a portfolio, newest first
func (e *Engine) List(ctx context.Context, portfolioID string, limit int) ([]Alert, error) {
	if e.repo == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	alerts, err := e.repo.ListAlerts(ctx, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

func message(ev classifier.Evaluation, before classifier.Status) string {
	current := "n/a"
	if ev.CurrentValue != nil {
		current = fmt.Sprintf("%.2f%s", *ev.CurrentValue, ev.Unit)
	}
	if ev.Status == classifier.StatusSafe {
		return fmt.Sprintf("%s back within limit at %s (was %s)", ev.Name, current, before)
	}
	return fmt.Sprintf("%s is %s at %s against %.2f%s", ev.Name, ev.Status, current, ev.ThresholdValue, ev.Unit)
}
