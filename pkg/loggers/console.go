package loggers

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// ConsoleType is the configuration type name of the console logger.
const ConsoleType = "Console"

// ConsoleOptions configures the console logger.
type ConsoleOptions struct {
	// Level is the log level results are written at.
	Level string `yaml:"level"`
}

// Console writes each result to the process log.
type Console struct {
	level logrus.Level
	log   *logrus.Entry
}

// NewConsole is the factory registered for ConsoleType.
func NewConsole(ctx context.Context, env plugins.Env, options map[string]interface{}) (types.Logger, error) {
	opts := ConsoleOptions{Level: "info"}
	if err := plugins.DecodeOptions(plugins.CapabilityLogger, ConsoleType, options, &opts); err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, plugins.FieldError(plugins.CapabilityLogger, ConsoleType, "level", err)
	}
	return &Console{level: level, log: logger.Component("Log")}, nil
}

// Log implements types.Logger.
func (c *Console) Log(ctx context.Context, result types.CheckResult) error {
	c.log.WithFields(logrus.Fields{
		"device": result.Name,
		"host":   result.Host,
		"type":   result.Type,
		"state":  result.State.String(),
	}).Log(c.level, fmt.Sprintf("%s (%s) is %s", result.Name, result.Host, result.State))
	return nil
}
