package loggers

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// InfluxDBType is the configuration type name of the InfluxDB logger.
const InfluxDBType = "InfluxDB"

// InfluxDBOptions configures the InfluxDB logger.
type InfluxDBOptions struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// InfluxDB stores each result as a point tagged with the device name, host
// and checker type. The "up" field is 1 for ONLINE and 0 for OFFLINE.
type InfluxDB struct {
	opts   InfluxDBOptions
	client influxdb2.Client
	writer api.WriteAPIBlocking
	now    func() time.Time
}

// NewInfluxDB is the factory registered for InfluxDBType.
func NewInfluxDB(ctx context.Context, env plugins.Env, options map[string]interface{}) (types.Logger, error) {
	opts := InfluxDBOptions{Measurement: "device_state"}
	if err := plugins.DecodeOptions(plugins.CapabilityLogger, InfluxDBType, options, &opts); err != nil {
		return nil, err
	}
	for _, required := range []struct{ field, value string }{
		{"url", opts.URL},
		{"org", opts.Org},
		{"bucket", opts.Bucket},
		{"measurement", opts.Measurement},
	} {
		if err := plugins.RequireField(plugins.CapabilityLogger, InfluxDBType, required.field, required.value); err != nil {
			return nil, err
		}
	}

	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &InfluxDB{
		opts:   opts,
		client: client,
		writer: client.WriteAPIBlocking(opts.Org, opts.Bucket),
		now:    time.Now,
	}, nil
}

// Log implements types.Logger.
func (l *InfluxDB) Log(ctx context.Context, result types.CheckResult) error {
	up := 0
	if result.State == types.StateOnline {
		up = 1
	}

	point := influxdb2.NewPoint(l.opts.Measurement,
		map[string]string{
			"device": result.Name,
			"host":   result.Host,
			"type":   result.Type,
		},
		map[string]interface{}{
			"state": result.State.String(),
			"up":    up,
		},
		l.now())

	if err := l.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write to InfluxDB: %w", err)
	}
	return nil
}

// Close releases the client.
func (l *InfluxDB) Close() error {
	l.client.Close()
	return nil
}
