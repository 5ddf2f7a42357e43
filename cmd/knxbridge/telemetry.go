package main

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-knx/config"
	"github.com/nerrad567/gray-logic-knx/knx"
)

// telemetry writes one point per group telegram to InfluxDB. The
// non-blocking write API batches internally; Flush happens on close.
type telemetry struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bridgeID string
	logger   knx.Logger
}

// newTelemetry returns nil when the sink is disabled.
func newTelemetry(cfg config.BridgeConfig, logger knx.Logger) *telemetry {
	if !cfg.Influx.Enabled {
		return nil
	}

	client := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
	return &telemetry{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Influx.Org, cfg.Influx.Bucket),
		bridgeID: cfg.ID,
		logger:   logger,
	}
}

// recordTelegram writes one telegram event.
func (t *telemetry) recordTelegram(ld knx.LData, direction string) {
	if t == nil {
		return
	}

	p := influxdb2.NewPointWithMeasurement("knx_telegram").
		AddTag("bridge", t.bridgeID).
		AddTag("direction", direction).
		AddTag("group_address", ld.GroupDestination().String()).
		AddField("source", ld.Source.String()).
		AddField("payload_bytes", len(ld.Data)).
		SetTime(time.Now())
	t.writeAPI.WritePoint(p)
}

// close flushes pending points and releases the client.
func (t *telemetry) close(ctx context.Context) {
	if t == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		t.writeAPI.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if t.logger != nil {
			t.logger.Warn("telemetry flush timed out")
		}
	}
	t.client.Close()
}
