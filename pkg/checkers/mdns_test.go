package checkers

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

func announce(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, opts MDNSOptions, out chan *zeroconf.ServiceEntry) error {
		go func() {
			for _, e := range entries {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func serviceEntry(instance, hostName string, ip string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, "_http._tcp", "local")
	e.HostName = hostName
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

func newTestMDNS(t *testing.T, host string, options map[string]interface{}, browse browseFunc) *MDNSChecker {
	t.Helper()
	if options == nil {
		options = map[string]interface{}{}
	}
	if _, ok := options["timeout"]; !ok {
		options["timeout"] = "100ms"
	}
	c, err := NewMDNSChecker(context.Background(), plugins.Env{}, checkerConfig(MDNSType, "printer", host, options))
	require.NoError(t, err)
	checker := c.(*MDNSChecker)
	checker.browse = browse
	return checker
}

func TestMDNSMatchesHostName(t *testing.T) {
	c := newTestMDNS(t, "printer.local", nil, announce(
		serviceEntry("NAS", "nas.local.", "10.0.0.5"),
		serviceEntry("Office Printer", "printer.local.", "10.0.0.9"),
	))

	result, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateOnline, result.State)
	assert.Equal(t, MDNSType, result.Type)
}

func TestMDNSMatchesAddress(t *testing.T) {
	c := newTestMDNS(t, "10.0.0.9", nil, announce(serviceEntry("Office Printer", "printer.local.", "10.0.0.9")))

	result, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateOnline, result.State)
}

func TestMDNSInstanceLookup(t *testing.T) {
	c := newTestMDNS(t, "printer", map[string]interface{}{"instance": "Office Printer"},
		announce(serviceEntry("Office Printer", "brw123.local.", "")))

	result, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateOnline, result.State)
}

func TestMDNSSilenceMeansOffline(t *testing.T) {
	c := newTestMDNS(t, "printer.local", nil, announce(serviceEntry("NAS", "nas.local.", "10.0.0.5")))

	start := time.Now()
	result, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateOffline, result.State)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestMDNSCheckDeadlineIsError(t *testing.T) {
	c := newTestMDNS(t, "printer.local", map[string]interface{}{"timeout": "1s"}, announce())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Check(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMDNSBrowseFailure(t *testing.T) {
	c := newTestMDNS(t, "printer.local", nil, func(context.Context, MDNSOptions, chan *zeroconf.ServiceEntry) error {
		return errors.New("no multicast interfaces")
	})

	_, err := c.Check(context.Background())
	var checkErr *types.CheckError
	assert.ErrorAs(t, err, &checkErr)
}

func TestNormalizeHostName(t *testing.T) {
	assert.Equal(t, "printer", normalizeHostName("Printer.local."))
	assert.Equal(t, "printer", normalizeHostName("printer"))
	assert.Equal(t, "printer.lan", normalizeHostName("printer.lan"))
}
