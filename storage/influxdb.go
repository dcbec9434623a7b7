// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides InfluxDB persistence for energy usage data.
package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/soothill/vue-energy-logger/pkg/errors"
	"github.com/soothill/vue-energy-logger/pkg/interfaces"
	"github.com/soothill/vue-energy-logger/pkg/logger"
)

const (
	measurement = "energy_usage"

	connectTimeout = 5 * time.Second

	// lastTimestampLookback bounds the Flux query for the resume point.
	// The poller only honors a persisted timestamp newer than one poll
	// interval ago, and intervals are capped at an hour, so two hours of
	// lookback always covers it.
	lastTimestampLookback = "-2h"

	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
)

// InfluxDBSink writes energy usage points to InfluxDB and answers the
// resume-point query. Writes go through the blocking write API: the poller
// advances its window only after a write is known to have succeeded, which
// the async batching API cannot tell it.
type InfluxDBSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	breaker  *gobreaker.CircuitBreaker
	bucket   string
	org      string
}

// NewInfluxDBSink creates a sink and verifies the connection.
func NewInfluxDBSink(url, token, org, bucket string) (*InfluxDBSink, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influxdb",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &InfluxDBSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		queryAPI: client.QueryAPI(org),
		breaker:  breaker,
		bucket:   bucket,
		org:      org,
	}, nil
}

// WriteBatch writes usage points synchronously. An empty batch is a no-op.
func (s *InfluxDBSink) WriteBatch(ctx context.Context, points []interfaces.UsagePoint) error {
	if len(points) == 0 {
		return nil
	}

	account := points[0].Account
	pts := make([]*write.Point, 0, len(points))
	for i := range points {
		p := &points[i]
		if p.Timestamp.IsZero() {
			return errors.NewStorageError("write batch", account, fmt.Errorf("point %d has zero timestamp", i))
		}
		pts = append(pts, influxdb2.NewPoint(
			measurement,
			map[string]string{
				"account_name": p.Account,
				"device_name":  p.DeviceName,
			},
			map[string]interface{}{
				"usage": p.Usage,
			},
			p.Timestamp,
		))
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writeAPI.WritePoint(ctx, pts...)
	})
	if err != nil {
		return errors.NewStorageError("write batch", account, mapBreakerErr(err))
	}

	logger.Debug().Str("account", account).Int("points", len(points)).Msg("Batch written")
	return nil
}

// QueryLastTimestamp returns the timestamp of the newest point stored for
// the account, truncated to whole seconds. The bool is false when the
// account has no recent data.
func (s *InfluxDBSink) QueryLastTimestamp(ctx context.Context, account string) (time.Time, bool, error) {
	query := fmt.Sprintf(`
		from(bucket: %q)
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == %q)
			|> filter(fn: (r) => r.account_name == %q)
			|> filter(fn: (r) => r._field == "usage")
			|> last()
	`, s.bucket, lastTimestampLookback, measurement, account)

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.queryAPI.Query(ctx, query)
	})
	if err != nil {
		return time.Time{}, false, errors.NewStorageError("query last timestamp", account, mapBreakerErr(err))
	}
	result := res.(*api.QueryTableResult)
	defer func() {
		_ = result.Close()
	}()

	var last time.Time
	found := false
	for result.Next() {
		record := result.Record()
		if record.Time().After(last) {
			last = record.Time()
			found = true
		}
	}
	if result.Err() != nil {
		return time.Time{}, false, errors.NewStorageError("query last timestamp", account, result.Err())
	}

	// Legacy points may carry sub-second precision; the poller compares
	// second-aligned windows against this.
	return last.Truncate(time.Second), found, nil
}

// DeleteAllSeries removes every stored usage point. Only invoked when the
// reset flag is configured at startup.
func (s *InfluxDBSink) DeleteAllSeries(ctx context.Context) error {
	stop := time.Now()
	start := time.Unix(0, 0)
	predicate := fmt.Sprintf(`_measurement=%q`, measurement)

	err := s.client.DeleteAPI().DeleteWithName(ctx, s.org, s.bucket, start, stop, predicate)
	if err != nil {
		return errors.NewStorageError("delete all series", "", err)
	}

	logger.Info().Str("bucket", s.bucket).Msg("All usage series deleted")
	return nil
}

// Health checks if InfluxDB is reachable and healthy.
func (s *InfluxDBSink) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errors.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		return errors.NewStorageError("health", "", fmt.Errorf("status %s", health.Status))
	}
	return nil
}

// Close closes the InfluxDB client.
func (s *InfluxDBSink) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.client.Close()
}

// mapBreakerErr converts gobreaker sentinel errors onto the package's own.
func mapBreakerErr(err error) error {
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", errors.ErrCircuitBreakerOpen, err)
	}
	return err
}
