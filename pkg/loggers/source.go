// Package loggers contains the built-in result sinks. Each sink receives
// every result admitted by its mode filter.
package loggers

import (
	"time"

	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// Source returns the built-in logger registrations.
func Source() plugins.Source {
	return plugins.Source{
		Name: "loggers",
		Loggers: []plugins.LoggerInfo{
			{Type: ConsoleType, Factory: NewConsole, Description: "Writes results to the process log"},
			{Type: InfluxDBType, Factory: NewInfluxDB, Description: "Writes results as points to an InfluxDB v2 bucket"},
			{Type: TextfileType, Factory: NewTextfile, Description: "Writes device state and engine metrics in Prometheus textfile format"},
			{Type: NATSType, Factory: NewNATS, Description: "Publishes results as JSON on a NATS subject"},
		},
	}
}

// Record is the serialized form of a logged result.
type Record struct {
	types.CheckResult
	Timestamp time.Time `json:"timestamp"`
}
