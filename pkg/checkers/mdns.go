package checkers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// MDNSType is the configuration type name of the multicast DNS checker.
const MDNSType = "MDNS"

// MDNSOptions configures the mDNS checker.
type MDNSOptions struct {
	// Service is the DNS-SD service type browsed for, e.g. "_http._tcp".
	Service string `yaml:"service"`

	// Domain is the mDNS domain.
	Domain string `yaml:"domain"`

	// Instance, when set, is looked up directly instead of matching the
	// device host against browsed host names.
	Instance string `yaml:"instance"`

	// Timeout bounds a single browse.
	Timeout types.Duration `yaml:"timeout"`
}

// browseFunc streams service entries into entries until ctx is done.
type browseFunc func(ctx context.Context, opts MDNSOptions, entries chan *zeroconf.ServiceEntry) error

// MDNSChecker reports a device ONLINE when it announces itself on the local
// link before the browse times out.
type MDNSChecker struct {
	descriptor types.CheckerDescriptor
	opts       MDNSOptions
	browse     browseFunc
	log        *logrus.Entry
}

// NewMDNSChecker is the factory registered for MDNSType.
func NewMDNSChecker(ctx context.Context, env plugins.Env, cfg plugins.CheckerConfig) (types.Checker, error) {
	opts := MDNSOptions{
		Service: "_http._tcp",
		Domain:  "local",
		Timeout: types.Duration(3 * time.Second),
	}
	if err := plugins.DecodeOptions(plugins.CapabilityChecker, MDNSType, cfg.Options, &opts); err != nil {
		return nil, err
	}
	if err := plugins.RequireField(plugins.CapabilityChecker, MDNSType, "service", opts.Service); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, MDNSType, "timeout", errors.New("must be positive"))
	}

	return &MDNSChecker{
		descriptor: cfg.Descriptor,
		opts:       opts,
		browse:     zeroconfBrowse,
		log:        logger.Component(MDNSType).WithField("device", cfg.Descriptor.Name),
	}, nil
}

// zeroconfBrowse uses a fresh resolver per call; a resolver's sockets are
// released once its context ends.
func zeroconfBrowse(ctx context.Context, opts MDNSOptions, entries chan *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	if opts.Instance != "" {
		return resolver.Lookup(ctx, opts.Instance, opts.Service, opts.Domain, entries)
	}
	return resolver.Browse(ctx, opts.Service, opts.Domain, entries)
}

// Descriptor implements types.Checker.
func (c *MDNSChecker) Descriptor() types.CheckerDescriptor {
	return c.descriptor
}

// Check implements types.Checker.
func (c *MDNSChecker) Check(ctx context.Context) (types.CheckResult, error) {
	browseCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout.Std())
	defer cancel()

	result := types.CheckResult{
		Name:  c.descriptor.Name,
		Host:  c.descriptor.Host,
		Type:  MDNSType,
		State: types.StateOffline,
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := c.browse(browseCtx, c.opts, entries); err != nil {
		return types.CheckResult{}, &types.CheckError{Name: c.descriptor.Name, Host: c.descriptor.Host, Err: err}
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return c.finish(ctx, result)
			}
			if entry != nil && c.matches(entry) {
				c.log.WithField("instance", entry.Instance).Debug("Device announced itself")
				result.State = types.StateOnline
				return result, nil
			}
		case <-browseCtx.Done():
			return c.finish(ctx, result)
		}
	}
}

// finish distinguishes a browse that simply found nothing from a check whose
// own deadline expired.
func (c *MDNSChecker) finish(ctx context.Context, result types.CheckResult) (types.CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return types.CheckResult{}, &types.CheckError{Name: c.descriptor.Name, Host: c.descriptor.Host, Err: err}
	}
	return result, nil
}

func (c *MDNSChecker) matches(entry *zeroconf.ServiceEntry) bool {
	if c.opts.Instance != "" {
		return entry.Instance == c.opts.Instance
	}

	want := normalizeHostName(c.descriptor.Host)
	if normalizeHostName(entry.HostName) == want || strings.EqualFold(entry.Instance, c.descriptor.Host) {
		return true
	}
	for _, ip := range entry.AddrIPv4 {
		if ip.String() == c.descriptor.Host {
			return true
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip.String() == c.descriptor.Host {
			return true
		}
	}
	return false
}

func normalizeHostName(name string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	return strings.TrimSuffix(name, ".local")
}
