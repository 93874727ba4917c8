// Package store reads portfolios and persisted risk metrics from Postgres
// and keeps risk profiles and alerts there.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/terminal-bench/riskengine/internal/alerts"
	"github.com/terminal-bench/riskengine/internal/classifier"
	"github.com/terminal-bench/riskengine/internal/correlation"
	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/internal/thresholds"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection
func Open(ctx context.Context, url string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables the service owns or reads
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS portfolios (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		currency   TEXT NOT NULL DEFAULT 'USD',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_assets (
		portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
		symbol       TEXT NOT NULL,
		asset_class  TEXT NOT NULL DEFAULT '',
		sector       TEXT NOT NULL DEFAULT '',
		quantity     DOUBLE PRECISION NOT NULL DEFAULT 0,
		price        DOUBLE PRECISION NOT NULL DEFAULT 0,
		market_value DOUBLE PRECISION,
		PRIMARY KEY (portfolio_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS risk_metrics (
		id            BIGSERIAL PRIMARY KEY,
		portfolio_id  TEXT NOT NULL,
		var_95        DOUBLE PRECISION,
		volatility    DOUBLE PRECISION,
		max_drawdown  DOUBLE PRECISION,
		sharpe_ratio  DOUBLE PRECISION,
		sortino_ratio DOUBLE PRECISION,
		beta          DOUBLE PRECISION,
		computed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS risk_metrics_portfolio_computed_idx
		ON risk_metrics (portfolio_id, computed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS risk_profiles (
		portfolio_id       TEXT PRIMARY KEY,
		var_95_limit       DOUBLE PRECISION,
		volatility_limit   DOUBLE PRECISION,
		max_drawdown_limit DOUBLE PRECISION,
		sharpe_min         DOUBLE PRECISION,
		sortino_min        DOUBLE PRECISION,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS risk_alerts (
		id              UUID PRIMARY KEY,
		portfolio_id    TEXT NOT NULL,
		metric          TEXT NOT NULL,
		kind            TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		status          TEXT NOT NULL,
		current_value   DOUBLE PRECISION,
		threshold_value DOUBLE PRECISION NOT NULL,
		message         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS risk_alerts_portfolio_created_idx
		ON risk_alerts (portfolio_id, created_at DESC)`,
}

// Portfolio loads a portfolio and its holdings
func (s *Store) Portfolio(ctx context.Context, id string) (*correlation.Portfolio, error) {
	list, err := s.Portfolios(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	return &list[0], nil
}

// Portfolios loads the given portfolios in id order. Unknown ids are skipped.
func (s *Store) Portfolios(ctx context.Context, ids []string) ([]correlation.Portfolio, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, a.symbol, a.asset_class, a.sector, a.quantity, a.price, a.market_value
		 FROM portfolios p
		 LEFT JOIN portfolio_assets a ON a.portfolio_id = p.id
		 WHERE p.id = ANY($1)
		 ORDER BY p.id, a.symbol`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()

	var out []correlation.Portfolio
	for rows.Next() {
		var (
			id, name                  string
			symbol, class, sector     sql.NullString
			quantity, price, mktValue sql.NullFloat64
		)
		if err := rows.Scan(&id, &name, &symbol, &class, &sector, &quantity, &price, &mktValue); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, correlation.Portfolio{ID: id, Name: name})
		}
		if !symbol.Valid {
			continue
		}
		p := &out[len(out)-1]
		p.Assets = append(p.Assets, correlation.Asset{
			Symbol:      symbol.String,
			AssetClass:  class.String,
			Sector:      sector.String,
			Quantity:    quantity.Float64,
			Price:       price.Float64,
			MarketValue: mktValue.Float64,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read portfolios: %w", err)
	}
	return out, nil
}

// PortfolioIDs lists every known portfolio
func (s *Store) PortfolioIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM portfolios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestMetrics returns the most recently persisted metrics of a portfolio
func (s *Store) LatestMetrics(ctx context.Context, portfolioID string) (*metrics.Record, error) {
	var v [6]sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT var_95, volatility, max_drawdown, sharpe_ratio, sortino_ratio, beta
		 FROM risk_metrics WHERE portfolio_id = $1
		 ORDER BY computed_at DESC LIMIT 1`,
		portfolioID,
	).Scan(&v[0], &v[1], &v[2], &v[3], &v[4], &v[5])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metrics for %s: %w", portfolioID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}

	return &metrics.Record{
		VaR95:        fromNull(v[0]),
		Volatility:   fromNull(v[1]),
		MaxDrawdown:  fromNull(v[2]),
		SharpeRatio:  fromNull(v[3]),
		SortinoRatio: fromNull(v[4]),
		Beta:         fromNull(v[5]),
	}, nil
}

// RiskProfile returns the stored overrides of a portfolio
func (s *Store) RiskProfile(ctx context.Context, portfolioID string) (*thresholds.Overrides, error) {
	var v [5]sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT var_95_limit, volatility_limit, max_drawdown_limit, sharpe_min, sortino_min
		 FROM risk_profiles WHERE portfolio_id = $1`,
		portfolioID,
	).Scan(&v[0], &v[1], &v[2], &v[3], &v[4])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("risk profile for %s: %w", portfolioID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}

	return &thresholds.Overrides{
		VaR95Limit:       fromNull(v[0]),
		VolatilityLimit:  fromNull(v[1]),
		MaxDrawdownLimit: fromNull(v[2]),
		SharpeMin:        fromNull(v[3]),
		SortinoMin:       fromNull(v[4]),
	}, nil
}

// SaveRiskProfile upserts the overrides of a portfolio
func (s *Store) SaveRiskProfile(ctx context.Context, portfolioID string, o thresholds.Overrides) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_profiles (portfolio_id, var_95_limit, volatility_limit, max_drawdown_limit, sharpe_min, sortino_min, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (portfolio_id) DO UPDATE SET
			var_95_limit = EXCLUDED.var_95_limit,
			volatility_limit = EXCLUDED.volatility_limit,
			max_drawdown_limit = EXCLUDED.max_drawdown_limit,
			sharpe_min = EXCLUDED.sharpe_min,
			sortino_min = EXCLUDED.sortino_min,
			updated_at = now()`,
		portfolioID, toNull(o.VaR95Limit), toNull(o.VolatilityLimit), toNull(o.MaxDrawdownLimit),
		toNull(o.SharpeMin), toNull(o.SortinoMin),
	)
	if err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	return nil
}

// InsertAlert stores an alert
func (s *Store) InsertAlert(ctx context.Context, a alerts.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_alerts (id, portfolio_id, metric, kind, previous_status, status, current_value, threshold_value, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PortfolioID, string(a.Metric), string(a.Kind), string(a.Previous), string(a.Status),
		toNull(a.CurrentValue), a.ThresholdValue, a.Message, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns the newest alerts of a portfolio
func (s *Store) ListAlerts(ctx context.Context, portfolioID string, limit int) ([]alerts.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, portfolio_id, metric, kind, previous_status, status, current_value, threshold_value, message, created_at
		 FROM risk_alerts WHERE portfolio_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		portfolioID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []alerts.Alert
	for rows.Next() {
		var (
			a                            alerts.Alert
			metric, kind, before, status string
			current                      sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.PortfolioID, &metric, &kind, &before, &status,
			&current, &a.ThresholdValue, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Metric = metrics.Field(metric)
		a.Kind = alerts.Kind(kind)
		a.Previous = classifier.Status(before)
		a.Status = classifier.Status(status)
		a.CurrentValue = fromNull(current)
		out = append(out, a)
	}
	return out, rows.Err()
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func toNull(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
