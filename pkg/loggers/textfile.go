package loggers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// TextfileType is the configuration type name of the Prometheus textfile logger.
const TextfileType = "PrometheusTextfile"

// TextfileOptions configures the Prometheus textfile logger.
type TextfileOptions struct {
	// Path is the .prom file read by the node_exporter textfile collector.
	Path string `yaml:"path"`

	// IncludeEngineMetrics adds the engine collectors to the file.
	IncludeEngineMetrics *bool `yaml:"include_engine_metrics"`
}

// Textfile keeps per-device gauges and rewrites a Prometheus textfile on
// every result, so node_exporter can expose device state without Pingu
// serving HTTP.
type Textfile struct {
	path     string
	gatherer prometheus.Gatherer

	up         *prometheus.GaugeVec
	lastChange *prometheus.GaugeVec
	now        func() time.Time

	mu   sync.Mutex
	last map[string]types.StateKind
}

// NewTextfile is the factory registered for TextfileType.
func NewTextfile(ctx context.Context, env plugins.Env, options map[string]interface{}) (types.Logger, error) {
	var opts TextfileOptions
	if err := plugins.DecodeOptions(plugins.CapabilityLogger, TextfileType, options, &opts); err != nil {
		return nil, err
	}
	if err := plugins.RequireField(plugins.CapabilityLogger, TextfileType, "path", opts.Path); err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Dir(opts.Path)); err != nil || !info.IsDir() {
		return nil, plugins.FieldError(plugins.CapabilityLogger, TextfileType, "path",
			fmt.Errorf("directory of %s does not exist", opts.Path))
	}

	t := &Textfile{
		path: opts.Path,
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pingu",
			Name:      "device_state_up",
			Help:      "Last logged state of a device (1 = ONLINE, 0 = OFFLINE)",
		}, []string{"device", "host", "type"}),
		lastChange: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pingu",
			Name:      "device_state_change_timestamp_seconds",
			Help:      "Unix time of the last logged state change of a device",
		}, []string{"device", "host", "type"}),
		now:  time.Now,
		last: make(map[string]types.StateKind),
	}

	own := prometheus.NewRegistry()
	own.MustRegister(t.up, t.lastChange)

	t.gatherer = own
	includeEngine := opts.IncludeEngineMetrics == nil || *opts.IncludeEngineMetrics
	if includeEngine && env.Gatherer != nil {
		t.gatherer = prometheus.Gatherers{env.Gatherer, own}
	}
	return t, nil
}

// Log implements types.Logger.
func (t *Textfile) Log(ctx context.Context, result types.CheckResult) error {
	labels := prometheus.Labels{"device": result.Name, "host": result.Host, "type": result.Type}

	t.mu.Lock()
	defer t.mu.Unlock()

	up := 0.0
	if result.State == types.StateOnline {
		up = 1
	}
	t.up.With(labels).Set(up)

	if prev, seen := t.last[result.Name]; !seen || prev != result.State {
		t.lastChange.With(labels).Set(float64(t.now().Unix()))
	}
	t.last[result.Name] = result.State

	if err := prometheus.WriteToTextfile(t.path, t.gatherer); err != nil {
		return fmt.Errorf("failed to write textfile %s: %w", t.path, err)
	}
	return nil
}
