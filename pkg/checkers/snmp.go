package checkers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// SNMPType is the configuration type name of the SNMP checker.
const SNMPType = "SNMP"

// sysUpTime.0, answered by every SNMP agent.
const defaultSNMPOID = ".1.3.6.1.2.1.1.3.0"

// SNMPOptions configures the SNMP checker.
type SNMPOptions struct {
	OID       string         `yaml:"oid"`
	Community string         `yaml:"community"`
	Port      uint16         `yaml:"port"`
	Version   string         `yaml:"version"`
	Timeout   types.Duration `yaml:"timeout"`
	Retries   int            `yaml:"retries"`
}

// snmpSession is the subset of *gosnmp.GoSNMP the checker needs.
type snmpSession interface {
	Connect() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

type goSNMPSession struct {
	*gosnmp.GoSNMP
}

func (s goSNMPSession) Close() error {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// SNMPChecker reports a device ONLINE when its agent answers a GET.
type SNMPChecker struct {
	descriptor types.CheckerDescriptor
	opts       SNMPOptions
	version    gosnmp.SnmpVersion
	dial       func(ctx context.Context) snmpSession
	log        *logrus.Entry
}

// NewSNMPChecker is the factory registered for SNMPType.
func NewSNMPChecker(ctx context.Context, env plugins.Env, cfg plugins.CheckerConfig) (types.Checker, error) {
	opts := SNMPOptions{
		OID:       defaultSNMPOID,
		Community: "public",
		Port:      161,
		Version:   "2c",
		Timeout:   types.Duration(2 * time.Second),
		Retries:   1,
	}
	if err := plugins.DecodeOptions(plugins.CapabilityChecker, SNMPType, cfg.Options, &opts); err != nil {
		return nil, err
	}

	version, err := parseSNMPVersion(opts.Version)
	if err != nil {
		return nil, plugins.FieldError(plugins.CapabilityChecker, SNMPType, "version", err)
	}
	if err := plugins.RequireField(plugins.CapabilityChecker, SNMPType, "oid", opts.OID); err != nil {
		return nil, err
	}
	if err := plugins.RequireField(plugins.CapabilityChecker, SNMPType, "community", opts.Community); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, SNMPType, "timeout", errors.New("must be positive"))
	}
	if opts.Retries < 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, SNMPType, "retries", errors.New("cannot be negative"))
	}

	c := &SNMPChecker{
		descriptor: cfg.Descriptor,
		opts:       opts,
		version:    version,
		log:        logger.Component(SNMPType).WithField("device", cfg.Descriptor.Name),
	}
	c.dial = c.newSession
	return c, nil
}

func parseSNMPVersion(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(strings.TrimPrefix(v, "v")) {
	case "1":
		return gosnmp.Version1, nil
	case "2c", "2", "":
		return gosnmp.Version2c, nil
	default:
		return 0, fmt.Errorf("unsupported SNMP version %q (supported: 1, 2c)", v)
	}
}

func (c *SNMPChecker) newSession(ctx context.Context) snmpSession {
	return goSNMPSession{&gosnmp.GoSNMP{
		Context:   ctx,
		Target:    c.descriptor.Host,
		Port:      c.opts.Port,
		Community: c.opts.Community,
		Version:   c.version,
		Timeout:   c.opts.Timeout.Std(),
		Retries:   c.opts.Retries,
	}}
}

// Descriptor implements types.Checker.
func (c *SNMPChecker) Descriptor() types.CheckerDescriptor {
	return c.descriptor
}

// Check implements types.Checker. A timed-out request means the agent is
// unreachable; any other failure is a check error.
func (c *SNMPChecker) Check(ctx context.Context) (types.CheckResult, error) {
	session := c.dial(ctx)
	if err := session.Connect(); err != nil {
		return types.CheckResult{}, c.checkError(fmt.Errorf("connect: %w", err))
	}
	defer session.Close()

	result := types.CheckResult{
		Name:  c.descriptor.Name,
		Host:  c.descriptor.Host,
		Type:  SNMPType,
		State: types.StateOnline,
	}

	pdu, err := session.Get([]string{c.opts.OID})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.CheckResult{}, c.checkError(ctxErr)
		}
		if isTimeoutError(err) {
			c.log.WithError(err).Debug("SNMP agent did not answer")
			result.State = types.StateOffline
			return result, nil
		}
		return types.CheckResult{}, c.checkError(fmt.Errorf("get %s: %w", c.opts.OID, err))
	}

	// Any answer, even noSuchObject, proves the agent is alive.
	if pdu != nil && len(pdu.Variables) > 0 {
		switch pdu.Variables[0].Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
			c.log.WithField("oid", c.opts.OID).Debug("Agent answered without the requested OID")
		}
	}
	return result, nil
}

func (c *SNMPChecker) checkError(err error) error {
	return &types.CheckError{Name: c.descriptor.Name, Host: c.descriptor.Host, Err: err}
}

func isTimeoutError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout")
}
