package loggers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

type capturedMessage struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	messages []capturedMessage
	err      error

	connected bool
	flushErr  error
	flushed   bool
	closed    bool
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, capturedMessage{subject, data})
	return nil
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func (p *fakePublisher) FlushTimeout(time.Duration) error {
	if p.closed {
		return errors.New("nats: connection closed")
	}
	p.flushed = true
	return p.flushErr
}

func (p *fakePublisher) Close() { p.closed = true }

func TestNATSPublishesRecord(t *testing.T) {
	pub := &fakePublisher{}
	l := &NATS{
		opts: NATSOptions{Subject: "pingu.results"},
		conn: pub,
		now:  func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}

	require.NoError(t, l.Log(context.Background(), router))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "pingu.results", pub.messages[0].subject)
	assert.JSONEq(t,
		`{"name":"router","host":"192.168.1.1","type":"Ping","state":"OFFLINE","timestamp":"2024-05-01T12:00:00Z"}`,
		string(pub.messages[0].data))

	var rec Record
	require.NoError(t, json.Unmarshal(pub.messages[0].data, &rec))
	assert.Equal(t, router, rec.CheckResult)

	require.NoError(t, l.Close())
	assert.True(t, pub.closed)
}

func TestNATSPerDeviceSubject(t *testing.T) {
	l := &NATS{opts: NATSOptions{Subject: "pingu", PerDevice: true}}
	assert.Equal(t, "pingu.living_room_ap", l.Subject(types.CheckResult{Name: "living room.ap"}))
}

func TestNATSPublishError(t *testing.T) {
	l := &NATS{opts: NATSOptions{Subject: "pingu"}, conn: &fakePublisher{err: errors.New("nats: connection closed")}, now: time.Now}
	assert.Error(t, l.Log(context.Background(), router))
}

func TestNATSCloseFlushes(t *testing.T) {
	tests := []struct {
		name        string
		pub         *fakePublisher
		wantFlushed bool
		wantErr     bool
	}{
		{"connected", &fakePublisher{connected: true}, true, false},
		{"disconnected", &fakePublisher{}, false, false},
		{"flush timeout", &fakePublisher{connected: true, flushErr: errors.New("nats: timeout")}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &NATS{opts: NATSOptions{Subject: "pingu", Timeout: types.Duration(time.Second)}, conn: tt.pub, now: time.Now}

			err := l.Close()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantFlushed, tt.pub.flushed)
			assert.True(t, tt.pub.closed)
		})
	}
}

func TestNATSConnectsLazily(t *testing.T) {
	l, err := NewNATS(context.Background(), plugins.Env{}, map[string]interface{}{
		"url":     "nats://127.0.0.1:1",
		"timeout": "100ms",
	})
	require.NoError(t, err, "an unreachable server must not fail startup")
	assert.NoError(t, l.(*NATS).Close())
}

func TestNATSRejectsWildcardSubject(t *testing.T) {
	_, err := NewNATS(context.Background(), plugins.Env{}, map[string]interface{}{"subject": "pingu.>"})
	var cfgErr *types.InvalidPluginConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "subject", cfgErr.Field)
}
