package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"platform-order-pipeline/shared/config"
	"platform-order-pipeline/shared/metricsx"
)

// Telemetry writes per-event pipeline measurements to InfluxDB. Writes are
// best-effort: a failure bumps a counter and is otherwise dropped.
type Telemetry struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Telemetry, error) {
	if !cfg.InfluxEnabled {
		return nil, nil
	}
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Telemetry{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

// RecordEvent stores one processed-event data point. Nil receivers are
// valid so callers can keep telemetry optional without branching.
func (t *Telemetry) RecordEvent(ctx context.Context, tenantID, platform, kind, outcome string, duration time.Duration) {
	if t == nil || t.client == nil {
		return
	}
	p := influxdb2.NewPoint(
		"pipeline_event",
		map[string]string{
			"tenant":   tenantID,
			"platform": platform,
			"kind":     kind,
			"outcome":  outcome,
		},
		map[string]any{
			"duration_ms": duration.Milliseconds(),
		},
		time.Now().UTC(),
	)
	if err := t.client.WriteAPIBlocking(t.org, t.bucket).WritePoint(ctx, p); err != nil {
		metricsx.IncInfluxWriteFailure()
	}
}

func (t *Telemetry) Close() {
	if t == nil || t.client == nil {
		return
	}
	t.client.Close()
}
