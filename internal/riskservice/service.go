// Package riskservice gathers the inputs of a portfolio evaluation from the
// infrastructure, runs the engine and fans results out to history, alerts,
// the event bus and live subscribers.
package riskservice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/riskengine/internal/alerts"
	"github.com/terminal-bench/riskengine/internal/classifier"
	"github.com/terminal-bench/riskengine/internal/correlation"
	"github.com/terminal-bench/riskengine/internal/engine"
	"github.com/terminal-bench/riskengine/internal/history"
	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/internal/store"
	"github.com/terminal-bench/riskengine/internal/stream"
	"github.com/terminal-bench/riskengine/internal/telemetry"
	"github.com/terminal-bench/riskengine/internal/thresholds"
	"github.com/terminal-bench/riskengine/internal/varclient"
	"github.com/terminal-bench/riskengine/pkg/decimal"
	"github.com/terminal-bench/riskengine/pkg/messaging"
)

var (
	ErrNotFound       = errors.New("portfolio not found")
	ErrInvalidProfile = errors.New("invalid risk profile")
)

type PortfolioStore interface {
	Portfolio(ctx context.Context, id string) (*correlation.Portfolio, error)
	Portfolios(ctx context.Context, ids []string) ([]correlation.Portfolio, error)
	PortfolioIDs(ctx context.Context) ([]string, error)
	LatestMetrics(ctx context.Context, portfolioID string) (*metrics.Record, error)
}

type MetricsFetcher interface {
	FetchMetrics(ctx context.Context, portfolioID string) (*varclient.Result, error)
}

type ProfileCache interface {
	Get(ctx context.Context, portfolioID string) (*thresholds.Overrides, error)
	Save(ctx context.Context, portfolioID string, o thresholds.Overrides) error
	Invalidate(ctx context.Context, portfolioID string)
}

type HistoryStore interface {
	Record(ctx context.Context, r engine.Report, at time.Time) error
	Range(ctx context.Context, portfolioID string, since time.Duration) ([]history.Point, error)
}

type AlertEngine interface {
	Process(ctx context.Context, portfolioID string, evals []classifier.Evaluation) ([]alerts.Alert, error)
	List(ctx context.Context, portfolioID string, limit int) ([]alerts.Alert, error)
	Forget(portfolioID string)
}

type Publisher interface {
	Publish(ctx context.Context, subject, aggregateID string, data interface{}) error
}

type Broadcaster interface {
	Publish(msgType, portfolioID string, v interface{}) error
}

// Deps are the collaborators of a Service. Store and Profiles are
// required; the rest may be nil.
type Deps struct {
	Store      PortfolioStore
	Profiles   ProfileCache
	VaR        MetricsFetcher
	History    HistoryStore
	Alerts     AlertEngine
	Publisher  Publisher
	Stream     Broadcaster
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger
	BatchLimit int
	// ComputedTTL bounds how long metrics received from the bus are used
	// before the VaR service is asked again.
	ComputedTTL time.Duration
}

// ScoreUpdate is published after every refresh
type ScoreUpdate struct {
	PortfolioID string            `json:"portfolioId"`
	Score       int               `json:"score"`
	Level       string            `json:"level"`
	Status      classifier.Status `json:"status"`
	Complete    bool              `json:"complete"`
	ComputedAt  time.Time         `json:"computedAt"`
}

// ComputedMetrics is the payload of risk.metrics.computed
type ComputedMetrics struct {
	PortfolioID    string         `json:"portfolioId"`
	Metrics        metrics.Record `json:"riskMetrics"`
	PortfolioValue *float64       `json:"portfolioValue,omitempty"`
	ComputedAt     time.Time      `json:"computedAt"`
}

// ProfileView pairs stored overrides with the thresholds they produce
type ProfileView struct {
	PortfolioID string                  `json:"portfolioId"`
	Overrides   thresholds.Overrides    `json:"overrides"`
	Effective   thresholds.ThresholdSet `json:"effective"`
}

type computedEntry struct {
	record   metrics.Record
	value    *decimal.Money
	received time.Time
}

type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	computed map[string]computedEntry
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.BatchLimit <= 0 {
		deps.BatchLimit = 8
	}
	if deps.ComputedTTL <= 0 {
		deps.ComputedTTL = time.Hour
	}
	return &Service{
		deps:     deps,
		logger:   logger.Named("riskservice"),
		now:      time.Now,
		computed: make(map[string]computedEntry),
	}
}

// Report evaluates a portfolio without side effects
func (s *Service) Report(ctx context.Context, portfolioID string) (engine.Report, error) {
	in, err := s.gather(ctx, portfolioID)
	if err != nil {
		return engine.Report{}, err
	}
	report := engine.Evaluate(in)
	s.deps.Metrics.ObserveEvaluation(string(report.Status), report.Score.Score)
	return report, nil
}

// Refresh evaluates a portfolio and records and announces the result
func (s *Service) Refresh(ctx context.Context, portfolioID string) (engine.Report, error) {
	report, err := s.Report(ctx, portfolioID)
	if err != nil {
		return engine.Report{}, err
	}
	s.fanOut(ctx, report)
	return report, nil
}

// RefreshAll refreshes every known portfolio and returns how many were
// evaluated.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	ids, err := s.deps.Store.PortfolioIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list portfolios: %w", err)
	}

	inputs := make([]engine.Input, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deps.BatchLimit)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			in, err := s.gather(gctx, id)
			if errors.Is(err, ErrNotFound) {
				// deleted since listing; an empty input scores as incomplete
				s.forget(id)
				in = engine.Input{PortfolioID: id}
			} else if err != nil {
				return err
			}
			inputs[i] = in
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	reports, err := engine.EvaluateBatch(ctx, inputs, s.deps.BatchLimit)
	if err != nil {
		return 0, err
	}
	for _, r := range reports {
		s.deps.Metrics.ObserveEvaluation(string(r.Status), r.Score.Score)
		s.fanOut(ctx, r)
	}
	return len(reports), nil
}

// HandleComputed stores metrics announced on the bus and refreshes the
// portfolio they belong to.
func (s *Service) HandleComputed(ctx context.Context, msg ComputedMetrics) error {
	if msg.PortfolioID == "" {
		return fmt.Errorf("computed metrics without portfolio id")
	}
	entry := computedEntry{record: msg.Metrics, received: s.now()}
	if msg.PortfolioValue != nil {
		v := decimal.NewMoneyFromFloat(*msg.PortfolioValue, decimal.DefaultCurrency)
		entry.value = &v
	}
	s.mu.Lock()
	s.computed[msg.PortfolioID] = entry
	s.mu.Unlock()

	_, err := s.Refresh(ctx, msg.PortfolioID)
	if errors.Is(err, ErrNotFound) {
		s.forget(msg.PortfolioID)
	}
	return err
}

// forget drops in-memory state kept for a portfolio that no longer exists
func (s *Service) forget(portfolioID string) {
	s.mu.Lock()
	delete(s.computed, portfolioID)
	s.mu.Unlock()
	if s.deps.Alerts != nil {
		s.deps.Alerts.Forget(portfolioID)
	}
}

// RiskProfile returns the overrides of a portfolio and their effect
func (s *Service) RiskProfile(ctx context.Context, portfolioID string) (ProfileView, error) {
	if err := s.ensureExists(ctx, portfolioID); err != nil {
		return ProfileView{}, err
	}
	o, err := s.deps.Profiles.Get(ctx, portfolioID)
	if err != nil {
		return ProfileView{}, err
	}
	return view(portfolioID, o), nil
}

// UpdateRiskProfile replaces the overrides of a portfolio. Values must be
// finite and positive; absent fields use the defaults.
func (s *Service) UpdateRiskProfile(ctx context.Context, portfolioID string, o thresholds.Overrides) (ProfileView, error) {
	if err := validateOverrides(o); err != nil {
		return ProfileView{}, err
	}
	if err := s.ensureExists(ctx, portfolioID); err != nil {
		return ProfileView{}, err
	}
	if err := s.deps.Profiles.Save(ctx, portfolioID, o); err != nil {
		return ProfileView{}, err
	}

	v := view(portfolioID, &o)
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(ctx, messaging.SubjectProfileUpdated, portfolioID, v); err != nil {
			s.logger.Warn("publish profile update failed", zap.String("portfolio", portfolioID), zap.Error(err))
		}
	}
	if _, err := s.Refresh(ctx, portfolioID); err != nil {
		s.logger.Warn("refresh after profile update failed", zap.String("portfolio", portfolioID), zap.Error(err))
	}
	return v, nil
}

// ProfileChanged drops cached overrides changed by another writer
func (s *Service) ProfileChanged(ctx context.Context, portfolioID string) {
	s.deps.Profiles.Invalidate(ctx, portfolioID)
	s.logger.Debug("risk profile changed", zap.String("portfolio", portfolioID))
}

// History returns recorded scores of a portfolio
func (s *Service) History(ctx context.Context, portfolioID string, since time.Duration) ([]history.Point, error) {
	if err := s.ensureExists(ctx, portfolioID); err != nil {
		return nil, err
	}
	if s.deps.History == nil {
		return nil, nil
	}
	return s.deps.History.Range(ctx, portfolioID, since)
}

// Alerts returns recent alerts of a portfolio
func (s *Service) Alerts(ctx context.Context, portfolioID string, limit int) ([]alerts.Alert, error) {
	if err := s.ensureExists(ctx, portfolioID); err != nil {
		return nil, err
	}
	if s.deps.Alerts == nil {
		return nil, nil
	}
	return s.deps.Alerts.List(ctx, portfolioID, limit)
}

// Correlations analyses the given portfolios, or every known portfolio
// when ids is empty. Unknown ids are ignored.
func (s *Service) Correlations(ctx context.Context, ids []string, w correlation.Window) (engine.CorrelationReport, error) {
	if len(ids) == 0 {
		all, err := s.deps.Store.PortfolioIDs(ctx)
		if err != nil {
			s.degraded("store", "", err)
		}
		ids = all
	}
	var portfolios []correlation.Portfolio
	if len(ids) > 0 {
		var err error
		portfolios, err = s.deps.Store.Portfolios(ctx, ids)
		if err != nil {
			s.degraded("store", "", err)
		}
	}
	return engine.Correlate(portfolios, w, s.now().UTC()), nil
}

func (s *Service) ensureExists(ctx context.Context, portfolioID string) error {
	_, err := s.deps.Store.Portfolio(ctx, portfolioID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", portfolioID, ErrNotFound)
	}
	if err != nil {
		s.degraded("store", portfolioID, err)
	}
	return nil
}

// gather collects everything the engine needs. Only an unknown portfolio
// is an error; every other failure is logged and the input left empty.
func (s *Service) gather(ctx context.Context, portfolioID string) (engine.Input, error) {
	in := engine.Input{PortfolioID: portfolioID}

	p, err := s.deps.Store.Portfolio(ctx, portfolioID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return in, fmt.Errorf("%s: %w", portfolioID, ErrNotFound)
	case err != nil:
		s.degraded("store", portfolioID, err)
	default:
		in.PortfolioValue = marketValue(p)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		in.Persisted, in.Computed = s.metricsFor(ctx, portfolioID, &in)
	}()
	go func() {
		defer wg.Done()
		o, err := s.deps.Profiles.Get(ctx, portfolioID)
		if err != nil {
			s.degraded("profiles", portfolioID, err)
			return
		}
		in.Overrides = o
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return in, err
	}
	return in, nil
}

// metricsFor returns persisted and computed records. Computed metrics are
// only looked up when the persisted record leaves gaps.
func (s *Service) metricsFor(ctx context.Context, portfolioID string, in *engine.Input) (persisted, computed *metrics.Record) {
	persisted, err := s.deps.Store.LatestMetrics(ctx, portfolioID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.degraded("store", portfolioID, err)
	}
	if fullyResolved(metrics.Merge(persisted, nil)) {
		return persisted, nil
	}

	s.mu.RLock()
	entry, ok := s.computed[portfolioID]
	s.mu.RUnlock()
	if ok && s.now().Sub(entry.received) < s.deps.ComputedTTL {
		rec := entry.record
		if in.PortfolioValue == nil && entry.value != nil {
			in.PortfolioValue = entry.value
		}
		return persisted, &rec
	}

	if s.deps.VaR == nil {
		return persisted, nil
	}
	res, err := s.deps.VaR.FetchMetrics(ctx, portfolioID)
	if err != nil {
		if !errors.Is(err, varclient.ErrNotFound) {
			s.degraded("varservice", portfolioID, err)
		}
		return persisted, nil
	}
	if in.PortfolioValue == nil && res.PortfolioValue != nil {
		in.PortfolioValue = res.PortfolioValue
	}
	rec := res.Metrics
	return persisted, &rec
}

func (s *Service) fanOut(ctx context.Context, r engine.Report) {
	at := s.now().UTC()

	if s.deps.History != nil {
		if err := s.deps.History.Record(ctx, r, at); err != nil {
			s.logger.Warn("record history failed", zap.String("portfolio", r.PortfolioID), zap.Error(err))
		}
	}

	if s.deps.Alerts != nil {
		fired, err := s.deps.Alerts.Process(ctx, r.PortfolioID, r.Evaluations)
		if err != nil {
			s.logger.Warn("alert processing incomplete", zap.String("portfolio", r.PortfolioID), zap.Error(err))
		}
		for _, a := range fired {
			s.deps.Metrics.AlertFired(string(a.Kind), string(a.Metric))
			s.broadcast(stream.TypeAlert, r.PortfolioID, a)
		}
	}

	update := ScoreUpdate{
		PortfolioID: r.PortfolioID,
		Score:       r.Score.Score,
		Level:       string(r.Score.Level),
		Status:      r.Status,
		Complete:    r.Score.Complete,
		ComputedAt:  at,
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(ctx, messaging.SubjectScoreUpdated, r.PortfolioID, update); err != nil {
			s.logger.Warn("publish score failed", zap.String("portfolio", r.PortfolioID), zap.Error(err))
		}
	}
	s.broadcast(stream.TypeScore, r.PortfolioID, update)
}

func (s *Service) broadcast(msgType, portfolioID string, v interface{}) {
	if s.deps.Stream == nil {
		return
	}
	if err := s.deps.Stream.Publish(msgType, portfolioID, v); err != nil {
		s.logger.Warn("stream publish failed", zap.String("portfolio", portfolioID), zap.Error(err))
	}
}

func (s *Service) degraded(source, portfolioID string, err error) {
	s.deps.Metrics.InputFailed(source)
	s.logger.Warn("input unavailable, continuing without it",
		zap.String("source", source),
		zap.String("portfolio", portfolioID),
		zap.Error(err),
	)
}

func view(portfolioID string, o *thresholds.Overrides) ProfileView {
	v := ProfileView{PortfolioID: portfolioID, Effective: thresholds.Resolve(o)}
	if o != nil {
		v.Overrides = *o
	}
	return v
}

func validateOverrides(o thresholds.Overrides) error {
	fields := []struct {
		name  string
		value *float64
	}{
		{"var_95_limit", o.VaR95Limit},
		{"volatility_limit", o.VolatilityLimit},
		{"max_drawdown_limit", o.MaxDrawdownLimit},
		{"sharpe_min", o.SharpeMin},
		{"sortino_min", o.SortinoMin},
	}
	for _, f := range fields {
		if f.value != nil && !thresholds.Valid(*f.value) {
			return fmt.Errorf("%w: %s must be a positive number", ErrInvalidProfile, f.name)
		}
	}
	return nil
}

func marketValue(p *correlation.Portfolio) *decimal.Money {
	total := 0.0
	for _, a := range p.Assets {
		if v := a.Value(); v > 0 && !math.IsInf(v, 0) {
			total += v
		}
	}
	if total <= 0 {
		return nil
	}
	m := decimal.NewMoneyFromFloat(total, decimal.DefaultCurrency).Round()
	return &m
}

func fullyResolved(set metrics.RiskMetricSet) bool {
	for _, f := range metrics.Fields {
		if set.Origin(f) == metrics.OriginMissing {
			return false
		}
	}
	return true
}
