package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/internal/store"
	"github.com/terminal-bench/riskengine/internal/thresholds"
)

// ProfileStore is the part of the Postgres store holding risk profiles
type ProfileStore interface {
	RiskProfile(ctx context.Context, portfolioID string) (*thresholds.Overrides, error)
	SaveRiskProfile(ctx context.Context, portfolioID string, o thresholds.Overrides) error
}

// PostgresSource keeps profiles in the risk_profiles table
type PostgresSource struct {
	store ProfileStore
}

func NewPostgresSource(s ProfileStore) *PostgresSource {
	return &PostgresSource{store: s}
}

func (p *PostgresSource) Load(ctx context.Context, portfolioID string) (*thresholds.Overrides, error) {
	o, err := p.store.RiskProfile(ctx, portfolioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return o, err
}

func (p *PostgresSource) Save(ctx context.Context, portfolioID string, o thresholds.Overrides) error {
	return p.store.SaveRiskProfile(ctx, portfolioID, o)
}

// EtcdSource keeps profiles as JSON under {prefix}/{portfolioID}
type EtcdSource struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
	logger  *zap.Logger
}

// NewEtcdSource takes the KV and Watcher halves of an etcd client
func NewEtcdSource(kv clientv3.KV, watcher clientv3.Watcher, prefix string, logger *zap.Logger) *EtcdSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdSource{
		kv:      kv,
		watcher: watcher,
		prefix:  strings.TrimSuffix(prefix, "/"),
		logger:  logger.Named("etcd"),
	}
}

func (e *EtcdSource) key(portfolioID string) string {
	return e.prefix + "/" + portfolioID
}

func (e *EtcdSource) Load(ctx context.Context, portfolioID string) (*thresholds.Overrides, error) {
	resp, err := e.kv.Get(ctx, e.key(portfolioID))
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var o thresholds.Overrides
	if err := json.Unmarshal(resp.Kvs[0].Value, &o); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", portfolioID, err)
	}
	return &o, nil
}

func (e *EtcdSource) Save(ctx context.Context, portfolioID string, o thresholds.Overrides) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if _, err := e.kv.Put(ctx, e.key(portfolioID), string(raw)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

// Watch calls onChange with the portfolio id of every profile written or
// deleted under the prefix until ctx is done.
func (e *EtcdSource) Watch(ctx context.Context, onChange func(portfolioID string)) {
	ch := e.watcher.Watch(ctx, e.prefix+"/", clientv3.WithPrefix())
	for resp := range ch {
		if err := resp.Err(); err != nil {
			e.logger.Warn("watch error", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			id := strings.TrimPrefix(string(ev.Kv.Key), e.prefix+"/")
			if id == "" {
				continue
			}
			onChange(id)
		}
	}
}
