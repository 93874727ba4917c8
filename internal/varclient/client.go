// Package varclient fetches freshly computed risk metrics from the
// external VaR service.
package varclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/pkg/circuit"
	"github.com/terminal-bench/riskengine/pkg/decimal"
)

var (
	ErrNotFound = errors.New("varservice: portfolio not found")
	ErrUpstream = errors.New("varservice: upstream error")
)

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxFailures int
	OpenTimeout time.Duration
	// OnStateChange is called after the breaker changes state
	OnStateChange func(to circuit.State)
}

// Result is one computation returned by the service
type Result struct {
	Metrics        metrics.Record
	PortfolioValue *decimal.Money
	ComputedAt     time.Time
}

type response struct {
	RiskMetrics    metrics.Record `json:"riskMetrics"`
	PortfolioValue *float64       `json:"portfolioValue"`
	Timestamp      string         `json:"timestamp"`
	Error          string         `json:"error"`
}

type Client struct {
	base    string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("varclient")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base: strings.TrimSuffix(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "varservice",
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.OpenTimeout,
			HalfOpenMax: 1,
			IsFailure: func(err error) bool {
				return err != nil && !errors.Is(err, ErrNotFound)
			},
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if cfg.OnStateChange != nil {
					cfg.OnStateChange(to)
				}
			},
		}),
		logger: logger,
	}
}

// Breaker exposes the breaker guarding the service
func (c *Client) Breaker() *circuit.Breaker {
	return c.breaker
}

// FetchMetrics calls GET {base}/portfolios/{id}/risk-metrics. A response
// carrying an error field is rejected even when it also carries metrics,
// since those are placeholders.
func (c *Client) FetchMetrics(ctx context.Context, portfolioID string) (*Result, error) {
	var out *Result
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := c.fetch(ctx, portfolioID)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, portfolioID string) (*Result, error) {
	endpoint := fmt.Sprintf("%s/portfolios/%s/risk-metrics", c.base, url.PathEscape(portfolioID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, body.Error)
	}

	result := &Result{Metrics: body.RiskMetrics, ComputedAt: time.Now().UTC()}
	if body.PortfolioValue != nil {
		v := decimal.NewMoneyFromFloat(*body.PortfolioValue, decimal.DefaultCurrency)
		result.PortfolioValue = &v
	}
	if ts, err := parseTimestamp(body.Timestamp); err == nil {
		result.ComputedAt = ts
	}
	return result, nil
}

// the service emits ISO timestamps with or without a zone
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
