package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/pingu/pkg/metrics"
	"github.com/supporttools/pingu/pkg/types"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, result types.CheckResult) types.Outcome {
	args := m.Called(result)
	return args.Get(0).(types.Outcome)
}

type funcNotifier func(ctx context.Context, result types.CheckResult) types.Outcome

func (f funcNotifier) Notify(ctx context.Context, result types.CheckResult) types.Outcome {
	return f(ctx, result)
}

type memorySink struct {
	mu      sync.Mutex
	name    string
	order   *[]string
	err     error
	results []types.CheckResult
}

func (s *memorySink) Log(ctx context.Context, result types.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, result)
	return nil
}

var offline = types.CheckResult{Name: "router", Host: "192.168.1.1", Type: "Ping", State: types.StateOffline}

// sleeps records requested back-off delays instead of waiting.
type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestDispatcher(t *testing.T, recipients []Recipient, sinks []Sink, opts Options) (*Dispatcher, *sleeps) {
	t.Helper()
	tasks := NewTaskGroup(context.Background())
	t.Cleanup(tasks.Close)

	d := New(recipients, sinks, tasks, opts)
	s := &sleeps{}
	d.sleep = s.sleep
	return d, s
}

func TestDeliverSuccess(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", offline).Return(types.Success()).Once()

	d, _ := newTestDispatcher(t, []Recipient{{Name: "Telegram", Notifier: n}}, nil, DefaultOptions())

	require.NoError(t, d.DeliverNotifications(context.Background(), offline))
	n.AssertExpectations(t)
	assert.Equal(t, int64(1), d.Counters().Delivered)
}

func TestRetryAfterIsHonouredOnce(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", offline).Return(types.RetryAfter(3 * time.Second)).Once()
	n.On("Notify", offline).Return(types.Success()).Once()

	d, s := newTestDispatcher(t, []Recipient{{Name: "Telegram", Notifier: n}}, nil, DefaultOptions())

	require.NoError(t, d.DeliverNotifications(context.Background(), offline))
	n.AssertNumberOfCalls(t, "Notify", 2)
	assert.Equal(t, []time.Duration{3 * time.Second}, s.delays)
	assert.Equal(t, int64(1), d.Counters().Retries)
}

func TestRetryBudgetExhausted(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", offline).Return(types.RetryAfter(time.Second))

	m, err := metrics.New(nil)
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Metrics = m

	d, s := newTestDispatcher(t, []Recipient{{Name: "Telegram", Notifier: n}}, nil, opts)

	err = d.DeliverNotifications(context.Background(), offline)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRetryBudgetExhausted)

	var notifyErr *types.NotifyError
	require.ErrorAs(t, err, &notifyErr)
	assert.Equal(t, "Telegram", notifyErr.Notifier)
	assert.Equal(t, offline, notifyErr.Result)

	n.AssertNumberOfCalls(t, "Notify", 2)
	assert.Len(t, s.delays, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("Telegram", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("Telegram", "retry_after")))
}

func TestRetryDisabled(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", offline).Return(types.RetryAfter(time.Second))

	opts := DefaultOptions()
	opts.MaxRetries = 0
	d, s := newTestDispatcher(t, []Recipient{{Name: "Telegram", Notifier: n}}, nil, opts)

	assert.ErrorIs(t, d.DeliverNotifications(context.Background(), offline), types.ErrRetryBudgetExhausted)
	n.AssertNumberOfCalls(t, "Notify", 1)
	assert.Empty(t, s.delays)
}

func TestRetryDelayAboveCap(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", offline).Return(types.RetryAfter(time.Hour))

	d, s := newTestDispatcher(t, []Recipient{{Name: "Telegram", Notifier: n}}, nil, DefaultOptions())

	err := d.DeliverNotifications(context.Background(), offline)
	assert.ErrorIs(t, err, types.ErrRetryBudgetExhausted)
	assert.Contains(t, err.Error(), "exceeds")
	assert.Empty(t, s.delays)
}

func TestFailureAndPanicDoNotBlockSiblings(t *testing.T) {
	var (
		mu     sync.Mutex
		called []string
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		called = append(called, name)
	}

	recipients := []Recipient{
		{Name: "Broken", Notifier: funcNotifier(func(ctx context.Context, r types.CheckResult) types.Outcome {
			record("Broken")
			return types.Failure(errors.New("502 bad gateway"))
		})},
		{Name: "Panicky", Notifier: funcNotifier(func(ctx context.Context, r types.CheckResult) types.Outcome {
			record("Panicky")
			panic("nil map")
		})},
		{Name: "Healthy", Notifier: funcNotifier(func(ctx context.Context, r types.CheckResult) types.Outcome {
			record("Healthy")
			return types.Success()
		})},
	}

	d, _ := newTestDispatcher(t, recipients, nil, DefaultOptions())

	err := d.DeliverNotifications(context.Background(), offline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502 bad gateway")
	assert.Contains(t, err.Error(), "panicked")
	assert.ElementsMatch(t, []string{"Broken", "Panicky", "Healthy"}, called)

	c := d.Counters()
	assert.Equal(t, int64(1), c.Delivered)
	assert.Equal(t, int64(2), c.Failed)
}

func TestRetryingNotifierDoesNotDelayOthers(t *testing.T) {
	release := make(chan struct{})
	healthyDone := make(chan struct{})

	recipients := []Recipient{
		{Name: "Slow", Notifier: funcNotifier(func(ctx context.Context, r types.CheckResult) types.Outcome {
			<-release
			return types.Success()
		})},
		{Name: "Fast", Notifier: funcNotifier(func(ctx context.Context, r types.CheckResult) types.Outcome {
			close(healthyDone)
			return types.Success()
		})},
	}
	d, _ := newTestDispatcher(t, recipients, nil, DefaultOptions())

	errCh := make(chan error, 1)
	go func() { errCh <- d.DeliverNotifications(context.Background(), offline) }()

	select {
	case <-healthyDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast notifier was held up by the slow one")
	}
	close(release)
	require.NoError(t, <-errCh)
}

func TestNotifyTimeout(t *testing.T) {
	recipients := []Recipient{
		{Name: "Hung", Notifier: funcNotifier(func(ctx context.Context, r types.CheckResult) types.Outcome {
			<-ctx.Done()
			return types.Failure(ctx.Err())
		})},
	}
	opts := DefaultOptions()
	opts.NotifyTimeout = 20 * time.Millisecond
	d, _ := newTestDispatcher(t, recipients, nil, opts)

	err := d.DeliverNotifications(context.Background(), offline)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteLogsInOrderAndIsolated(t *testing.T) {
	var order []string
	first := &memorySink{name: "Console", order: &order}
	broken := &memorySink{name: "Influx", order: &order, err: errors.New("connection refused")}
	last := &memorySink{name: "Nats", order: &order}

	d, _ := newTestDispatcher(t, nil, []Sink{
		{Name: "Console", Logger: first},
		{Name: "Influx", Logger: broken},
		{Name: "Nats", Logger: last},
	}, DefaultOptions())

	err := d.WriteLogs(context.Background(), offline)
	require.Error(t, err)

	var logErr *types.LogError
	require.ErrorAs(t, err, &logErr)
	assert.Equal(t, "Influx", logErr.Logger)

	assert.Equal(t, []string{"Console", "Influx", "Nats"}, order)
	assert.Len(t, first.results, 1)
	assert.Len(t, last.results, 1)
	assert.Equal(t, Counters{LogsSucceeded: 2, LogsFailed: 1}, d.Counters())
}

func TestDetachedNotifyAndLog(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", offline).Return(types.Success()).Once()
	sink := &memorySink{}

	tasks := NewTaskGroup(context.Background())
	d := New([]Recipient{{Name: "Telegram", Notifier: n}}, []Sink{{Name: "Console", Logger: sink}}, tasks, DefaultOptions())

	d.Notify(offline)
	d.Log(offline)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tasks.Wait(ctx))

	n.AssertExpectations(t)
	assert.Len(t, sink.results, 1)
}

func TestNoRecipientsStartsNoTask(t *testing.T) {
	tasks := NewTaskGroup(context.Background())
	d := New(nil, nil, tasks, Options{})

	d.Notify(offline)
	d.Log(offline)
	assert.Equal(t, 0, tasks.Active())
}
