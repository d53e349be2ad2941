package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/pingu/pkg/types"
)

type stubChecker struct {
	descriptor types.CheckerDescriptor
	options    map[string]interface{}
}

func (c *stubChecker) Descriptor() types.CheckerDescriptor { return c.descriptor }

func (c *stubChecker) Check(ctx context.Context) (types.CheckResult, error) {
	return types.CheckResult{Name: c.descriptor.Name, Host: c.descriptor.Host, Type: "Stub", State: types.StateOnline}, nil
}

type stubNotifier struct{ options map[string]interface{} }

func (n *stubNotifier) Notify(ctx context.Context, result types.CheckResult) types.Outcome {
	return types.Success()
}

type recordingSink struct {
	mu      sync.Mutex
	written []types.CheckResult
	options map[string]interface{}
}

func (s *recordingSink) Log(ctx context.Context, result types.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, result)
	return nil
}

func (s *recordingSink) results() []types.CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.CheckResult(nil), s.written...)
}

func stubSource() Source {
	return Source{
		Name: "stub",
		Checkers: []CheckerInfo{{
			Type: "Stub",
			Factory: func(ctx context.Context, env Env, cfg CheckerConfig) (types.Checker, error) {
				return &stubChecker{descriptor: cfg.Descriptor, options: cfg.Options}, nil
			},
			Description: "always online",
		}},
		Notifiers: []NotifierInfo{{
			Type: "Stub",
			Factory: func(ctx context.Context, env Env, options map[string]interface{}) (types.Notifier, error) {
				return &stubNotifier{options: options}, nil
			},
		}},
		Loggers: []LoggerInfo{{
			Type: "Stub",
			Factory: func(ctx context.Context, env Env, options map[string]interface{}) (types.Logger, error) {
				return &recordingSink{options: options}, nil
			},
		}},
	}
}

func newStubRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Discover(stubSource()))
	return r
}

func TestDiscover(t *testing.T) {
	r := newStubRegistry(t)

	assert.Equal(t, []string{"Stub"}, r.CheckerTypes())
	assert.Equal(t, []string{"Stub"}, r.NotifierTypes())
	assert.Equal(t, []string{"Stub"}, r.LoggerTypes())
	assert.True(t, r.IsCheckerRegistered("Stub"))
	assert.False(t, r.IsCheckerRegistered("Ping"))
}

func TestDiscoverDuplicate(t *testing.T) {
	r := NewRegistry()
	err := r.Discover(stubSource(), stubSource())

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPluginDiscovery)
	assert.ErrorIs(t, err, types.ErrDuplicatePluginName)
	assert.Contains(t, err.Error(), `"Stub"`)
}

func TestSameTypeAcrossCapabilities(t *testing.T) {
	// One type name may be used once per capability.
	r := newStubRegistry(t)
	assert.Len(t, r.Summaries(), 3)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterChecker(CheckerInfo{Factory: stubSource().Checkers[0].Factory})
	assert.ErrorIs(t, err, ErrEmptyPluginType)

	err = r.RegisterNotifier(NotifierInfo{Type: "Telegram"})
	assert.ErrorIs(t, err, ErrNilFactory)
}

func TestInstantiateChecker(t *testing.T) {
	r := newStubRegistry(t)

	device := types.DeviceConfig{Type: "Stub", Name: "router", Host: "10.0.0.1", Options: map[string]interface{}{"packets": 2}}
	device.ApplyDefaults()

	checker, err := r.InstantiateChecker(context.Background(), device)
	require.NoError(t, err)

	d := checker.Descriptor()
	assert.Equal(t, "router", d.Name)
	assert.True(t, d.Subscribed(types.StateOffline))
	assert.False(t, d.Subscribed(types.StateOnline))
	assert.Equal(t, 2, checker.(*stubChecker).options["packets"])
}

func TestInstantiateUnknownTypes(t *testing.T) {
	r := newStubRegistry(t)
	ctx := context.Background()

	_, err := r.InstantiateChecker(ctx, types.DeviceConfig{Type: "Ping", Name: "router", Host: "10.0.0.1"})
	assert.ErrorIs(t, err, types.ErrUnknownCheckerType)
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = r.InstantiateNotifier(ctx, types.PluginConfig{Type: "Pager"})
	assert.ErrorIs(t, err, types.ErrUnknownNotifierType)

	_, err = r.InstantiateLogger(ctx, types.PluginConfig{Type: "Syslog"})
	assert.ErrorIs(t, err, types.ErrUnknownLoggerType)
}

func TestInstantiateFactoryError(t *testing.T) {
	r := NewRegistry()
	cause := errors.New("connection refused")
	require.NoError(t, r.RegisterNotifier(NotifierInfo{
		Type: "Broken",
		Factory: func(ctx context.Context, env Env, options map[string]interface{}) (types.Notifier, error) {
			return nil, cause
		},
	}))

	_, err := r.InstantiateNotifier(context.Background(), types.PluginConfig{Type: "Broken"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidPluginConfig)
	assert.ErrorIs(t, err, cause)

	var cfgErr *types.InvalidPluginConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CapabilityNotifier, cfgErr.Capability)
	assert.Equal(t, "Broken", cfgErr.Type)
}

func TestInstantiateFactoryPanic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterChecker(CheckerInfo{
		Type: "Panicky",
		Factory: func(ctx context.Context, env Env, cfg CheckerConfig) (types.Checker, error) {
			panic("boom")
		},
	}))

	device := types.DeviceConfig{Type: "Panicky", Name: "x", Host: "y"}
	device.ApplyDefaults()

	_, err := r.InstantiateChecker(context.Background(), device)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidPluginConfig)
	assert.Contains(t, err.Error(), "boom")
}

func TestInstantiateLoggerMode(t *testing.T) {
	r := newStubRegistry(t)
	ctx := context.Background()

	l, err := r.InstantiateLogger(ctx, types.PluginConfig{Type: "Stub", Options: map[string]interface{}{"mode": "CHANGE", "path": "/tmp/x"}})
	require.NoError(t, err)
	assert.Equal(t, types.LogChange, l.Mode())

	sink := l.Sink().(*recordingSink)
	assert.NotContains(t, sink.options, "mode")
	assert.Equal(t, "/tmp/x", sink.options["path"])

	l, err = r.InstantiateLogger(ctx, types.PluginConfig{Type: "Stub"})
	require.NoError(t, err)
	assert.Equal(t, types.LogEvery, l.Mode())

	_, err = r.InstantiateLogger(ctx, types.PluginConfig{Type: "Stub", Options: map[string]interface{}{"mode": "OFTEN"}})
	var cfgErr *types.InvalidPluginConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "mode", cfgErr.Field)

	_, err = r.InstantiateLogger(ctx, types.PluginConfig{Type: "Stub", Options: map[string]interface{}{"mode": 3}})
	assert.ErrorIs(t, err, types.ErrInvalidPluginConfig)
}

type telegramOptions struct {
	APIToken string         `yaml:"api_token"`
	ChatID   string         `yaml:"chat_id"`
	Timeout  types.Duration `yaml:"timeout"`
}

func TestDecodeOptions(t *testing.T) {
	var opts telegramOptions
	err := DecodeOptions(CapabilityNotifier, "Telegram", map[string]interface{}{
		"api_token": "123:abc",
		"chat_id":   -100200,
		"timeout":   5,
	}, &opts)
	require.NoError(t, err)

	assert.Equal(t, "123:abc", opts.APIToken)
	assert.Equal(t, "-100200", opts.ChatID)
	assert.Equal(t, 5*time.Second, opts.Timeout.Std())
}

func TestDecodeOptionsEmpty(t *testing.T) {
	opts := telegramOptions{ChatID: "keep"}
	require.NoError(t, DecodeOptions(CapabilityNotifier, "Telegram", nil, &opts))
	assert.Equal(t, "keep", opts.ChatID)
}

func TestDecodeOptionsUnknownField(t *testing.T) {
	var opts telegramOptions
	err := DecodeOptions(CapabilityNotifier, "Telegram", map[string]interface{}{"api_tokn": "x"}, &opts)

	var cfgErr *types.InvalidPluginConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "api_tokn", cfgErr.Field)
	assert.Equal(t, "Telegram", cfgErr.Type)
}

func TestDecodeOptionsBadValue(t *testing.T) {
	var opts telegramOptions
	err := DecodeOptions(CapabilityNotifier, "Telegram", map[string]interface{}{"timeout": "later"}, &opts)
	assert.ErrorIs(t, err, types.ErrInvalidPluginConfig)
}

func TestRequireField(t *testing.T) {
	assert.NoError(t, RequireField(CapabilityNotifier, "Telegram", "api_token", "x"))

	err := RequireField(CapabilityNotifier, "Telegram", "api_token", "")
	assert.ErrorIs(t, err, ErrMissingField)
	assert.ErrorIs(t, err, types.ErrConfig)
	assert.Contains(t, err.Error(), "api_token")
}
