package loggers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// NATSType is the configuration type name of the NATS logger.
const NATSType = "NATS"

// NATSOptions configures the NATS logger.
type NATSOptions struct {
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	// PerDevice appends the device name to the subject.
	PerDevice bool `yaml:"per_device"`

	Timeout types.Duration `yaml:"timeout"`
}

// publisher is the subset of *nats.Conn the logger needs.
type publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATS publishes each result as a JSON Record. The connection reconnects in
// the background; results published while disconnected are buffered by the
// client.
type NATS struct {
	opts NATSOptions
	conn publisher
	now  func() time.Time
}

// NewNATS is the factory registered for NATSType.
func NewNATS(ctx context.Context, env plugins.Env, options map[string]interface{}) (types.Logger, error) {
	opts := NATSOptions{
		URL:     nats.DefaultURL,
		Subject: "pingu.results",
		Name:    "pingu",
		Timeout: types.Duration(5 * time.Second),
	}
	if err := plugins.DecodeOptions(plugins.CapabilityLogger, NATSType, options, &opts); err != nil {
		return nil, err
	}
	if err := plugins.RequireField(plugins.CapabilityLogger, NATSType, "subject", opts.Subject); err != nil {
		return nil, err
	}
	if strings.ContainsAny(opts.Subject, " \t*>") {
		return nil, plugins.FieldError(plugins.CapabilityLogger, NATSType, "subject",
			fmt.Errorf("%q is not a valid publish subject", opts.Subject))
	}

	log := logger.Component(NATSType)
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout.Std()),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, plugins.FieldError(plugins.CapabilityLogger, NATSType, "url", err)
	}
	log.WithFields(logrus.Fields{"url": opts.URL, "subject": opts.Subject}).Debug("NATS logger ready")

	return &NATS{opts: opts, conn: nc, now: time.Now}, nil
}

// Subject returns the subject a result is published on.
func (l *NATS) Subject(result types.CheckResult) string {
	if !l.opts.PerDevice {
		return l.opts.Subject
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '.', '*', '>':
			return '_'
		}
		return r
	}, result.Name)
	return l.opts.Subject + "." + token
}

// Log implements types.Logger.
func (l *NATS) Log(ctx context.Context, result types.CheckResult) error {
	data, err := json.Marshal(Record{CheckResult: result, Timestamp: l.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := l.conn.Publish(l.Subject(result), data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Close flushes buffered messages, waiting up to the configured timeout for
// the server to acknowledge them, and closes the connection. Messages
// buffered while disconnected are dropped.
func (l *NATS) Close() error {
	defer l.conn.Close()
	if !l.conn.IsConnected() {
		return nil
	}
	if err := l.conn.FlushTimeout(l.opts.Timeout.Std()); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}
