// Package history keeps a time series of resilience scores in InfluxDB.
package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/terminal-bench/riskengine/internal/engine"
	"github.com/terminal-bench/riskengine/internal/metrics"
)

const Measurement = "resilience_score"

// Point is one stored score
type Point struct {
	Time     time.Time `json:"time"`
	Score    int       `json:"score"`
	Level    string    `json:"level"`
	Status   string    `json:"status"`
	Complete bool      `json:"complete"`
}

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type Store struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	reader api.QueryAPI
	bucket string
}

func New(cfg Config) *Store {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Store{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		reader: client.QueryAPI(cfg.Org),
		bucket: cfg.Bucket,
	}
}

func (s *Store) Close() {
	s.client.Close()
}

// Ping reports whether the server is ready
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx not ready")
	}
	return nil
}

// Record stores the score of a report
func (s *Store) Record(ctx context.Context, r engine.Report, at time.Time) error {
	if err := s.writer.WritePoint(ctx, NewPoint(r, at)); err != nil {
		return fmt.Errorf("failed to write score: %w", err)
	}
	return nil
}

// Range returns the scores of a portfolio recorded within since, oldest first
func (s *Store) Range(ctx context.Context, portfolioID string, since time.Duration) ([]Point, error) {
	result, err := s.reader.Query(ctx, rangeQuery(s.bucket, portfolioID, since))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer result.Close()

	var points []Point
	for result.Next() {
		rec := result.Record()
		p := Point{
			Time:   rec.Time(),
			Score:  toInt(rec.ValueByKey("score")),
			Level:  toString(rec.ValueByKey("level")),
			Status: toString(rec.ValueByKey("status")),
		}
		p.Complete, _ = rec.ValueByKey("complete").(bool)
		points = append(points, p)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return points, nil
}

// NewPoint builds the line written for a report. Tags carry the level and
// worst status; fields carry the score and every available metric.
func NewPoint(r engine.Report, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"score":    int64(r.Score.Score),
		"complete": r.Score.Complete,
	}
	for _, f := range metrics.Fields {
		if v := r.Metrics.Get(f); v != nil {
			fields[string(f)] = *v
		}
	}
	tags := map[string]string{
		"portfolio": r.PortfolioID,
		"level":     string(r.Score.Level),
		"status":    string(r.Status),
	}
	return influxdb2.NewPoint(Measurement, tags, fields, at)
}

func rangeQuery(bucket, portfolioID string, since time.Duration) string {
	if since <= 0 {
		since = 30 * 24 * time.Hour
	}
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %s and r.portfolio == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])`,
		strconv.Quote(bucket), int64(since.Seconds()), strconv.Quote(Measurement), strconv.Quote(portfolioID))
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
