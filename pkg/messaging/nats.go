package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("nats: not connected")

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Client wraps a NATS connection and publishes Event envelopes
type Client struct {
	conn       *nats.Conn
	source     string
	logger     *zap.Logger
	reconnects atomic.Int64

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects to NATS
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{source: cfg.Name, logger: logger.Named("nats")}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.reconnects.Add(1)
			c.logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("disconnected", zap.Error(err))
			}
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn
	return c, nil
}

// Publish wraps data in an Event and publishes it on subject
func (c *Client) Publish(ctx context.Context, subject, aggregateID string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}

	event, err := NewEvent(subject, aggregateID, data, Metadata{
		CorrelationID: CorrelationID(ctx),
		Source:        c.source,
	})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// QueueSubscribe delivers decoded events on subject to handler, load
// balanced across queue members. Undecodable messages are logged and dropped.
func (c *Client) QueueSubscribe(subject, queue string, handler func(*Event)) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		event, err := DecodeEvent(msg.Data)
		if err != nil {
			c.logger.Warn("dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close drains subscriptions and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil

	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain: %w", err)
	}
	return nil
}
