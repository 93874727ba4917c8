// Package engine composes the metric adapter, threshold resolver, scorer and
// classifier into one report per portfolio. Everything here is pure; batch
// evaluation fans out without locks.
package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/riskengine/internal/classifier"
	"github.com/terminal-bench/riskengine/internal/correlation"
	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/internal/scoring"
	"github.com/terminal-bench/riskengine/internal/thresholds"
	"github.com/terminal-bench/riskengine/pkg/decimal"
)

// Input is everything needed to evaluate one portfolio
type Input struct {
	PortfolioID    string
	Persisted      *metrics.Record
	Computed       *metrics.Record
	Overrides      *thresholds.Overrides
	PortfolioValue *decimal.Money
}

// Report is the engine output for one portfolio
type Report struct {
	PortfolioID string                  `json:"portfolioId"`
	Metrics     metrics.Record          `json:"metrics"`
	Thresholds  thresholds.ThresholdSet `json:"thresholds"`
	Score       scoring.Result          `json:"score"`
	Evaluations []classifier.Evaluation `json:"evaluations"`
	Status      classifier.Status       `json:"status"`
}

// Evaluate builds the report for one portfolio
func Evaluate(in Input) Report {
	set := metrics.Merge(in.Persisted, in.Computed)
	thr := thresholds.Resolve(in.Overrides)

	var opts []classifier.Option
	if in.PortfolioValue != nil {
		opts = append(opts, classifier.WithPortfolioValue(*in.PortfolioValue))
	}
	evals := classifier.EvaluateAll(set, thr, opts...)

	return Report{
		PortfolioID: in.PortfolioID,
		Metrics:     set.Record(),
		Thresholds:  thr,
		Score:       scoring.Evaluate(set, thr),
		Evaluations: evals,
		Status:      classifier.Worst(evals),
	}
}

// EvaluateBatch evaluates inputs concurrently, at most limit at a time
// (limit <= 0 means unbounded). Reports keep the order of inputs. The only
// error is the context's.
func EvaluateBatch(ctx context.Context, inputs []Input, limit int) ([]Report, error) {
	reports := make([]Report, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range inputs {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reports[i] = Evaluate(inputs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// CorrelationReport is the correlation view over a set of portfolios
type CorrelationReport struct {
	Window      correlation.Window  `json:"window"`
	Indices     []correlation.Index `json:"indices"`
	Matrix      [][]float64         `json:"matrix"`
	ByPortfolio map[string]float64  `json:"byPortfolio"`
	Labels      map[string]string   `json:"labels"`
	Insights    []string            `json:"insights"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// Correlate computes per-portfolio correlations and insights for a window.
// An unknown window falls back to correlation.DefaultWindow.
func Correlate(portfolios []correlation.Portfolio, w correlation.Window, now time.Time) CorrelationReport {
	m, ok := correlation.MatrixFor(w)
	if !ok {
		w = correlation.DefaultWindow
		m, _ = correlation.MatrixFor(w)
	}
	by := correlation.ComputeAll(portfolios, w)
	labels := make(map[string]string, len(by))
	for id, c := range by {
		labels[id] = correlation.Interpret(c)
	}
	return CorrelationReport{
		Window:      w,
		Indices:     m.Indices,
		Matrix:      m.Values(),
		ByPortfolio: by,
		Labels:      labels,
		Insights:    correlation.GenerateInsights(m, by, w),
		GeneratedAt: now,
	}
}
