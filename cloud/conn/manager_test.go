package conn

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bifravst/cloudsync/cloud/mqtt"
	"github.com/bifravst/cloudsync/cloud/topics"
	"github.com/bifravst/cloudsync/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 20 * time.Millisecond

type inbound struct {
	topic   string
	payload []byte
}

type tenv struct {
	b        *mqtt.MockBroker
	m        *Manager
	ts       topics.Set
	received []inbound
	onMsg    func(topic string, payload []byte) error
}

func newTestEnv(t testing.TB, opt Options) *tenv {
	env := &tenv{b: mqtt.NewMockBroker()}
	ts, err := topics.DefaultNamespace().Build("352656100367872")
	require.NoError(t, err)
	env.ts = ts
	opt.Factory = env.b.NewClient
	opt.Topics = ts
	opt.Log = log2.NewTest(t, log2.LDebug)
	opt.OnMessage = func(topic string, payload []byte) error {
		env.received = append(env.received, inbound{topic, append([]byte(nil), payload...)})
		if env.onMsg != nil {
			return env.onMsg(topic, payload)
		}
		return nil
	}
	m, err := NewManager(opt)
	require.NoError(t, err)
	env.m = m
	return env
}

func (env *tenv) connect(t testing.TB) {
	require.NoError(t, env.m.EnsureConnected(context.Background(), 1, testDelay))
	require.Equal(t, Connected, env.m.State())
}

func TestEnsureConnected(t *testing.T) {
	t.Parallel()

	networkErr := errors.New("network unreachable")
	type Case struct {
		name         string
		connectErrs  []error
		connackCodes []byte
		tries        int
		expectErr    error
		expectTries  int
	}
	cases := []Case{
		{"first", nil, nil, 3, nil, 1},
		{"fail-2-of-3", []error{networkErr, networkErr}, nil, 3, nil, 3},
		{"refused-2-of-3", nil, []byte{5, 3}, 3, nil, 3},
		{"exhausted", []error{networkErr, networkErr, networkErr}, nil, 3, ErrConnectionExhausted, 3},
		{"exhausted-refused", nil, []byte{5, 5}, 2, ErrConnectionExhausted, 2},
		{"zero-tries", nil, nil, 0, ErrConnectionExhausted, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, Options{})
			env.b.ConnectErrs = c.connectErrs
			env.b.ConnackCodes = c.connackCodes
			err := env.m.EnsureConnected(context.Background(), c.tries, testDelay)
			assert.Equal(t, c.expectTries, env.b.Attempts())
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
				assert.Equal(t, Disconnected, env.m.State())
				assert.Empty(t, env.b.Subscriptions())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Connected, env.m.State())
			assert.Equal(t, env.ts.Subscriptions(), env.b.Subscriptions())

			// already connected: no new attempt
			require.NoError(t, env.m.EnsureConnected(context.Background(), c.tries, testDelay))
			assert.Equal(t, c.expectTries, env.b.Attempts())
		})
	}
}

func TestEnsureConnectedCanceled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.m.EnsureConnected(ctx, 3, testDelay)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Equal(t, 0, env.b.Attempts())
}

func TestInbound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{PayloadMax: 16})
	env.connect(t)

	require.NoError(t, env.b.Inject(env.ts.ShadowUpdateDelta, []byte("x")))
	require.NoError(t, env.m.Pump(testDelay))
	assert.Empty(t, env.received, "short payload ignored")

	env.onMsg = func(string, []byte) error { return errors.New("decode") }
	require.NoError(t, env.b.Inject(env.ts.ShadowUpdateDelta, []byte(`{"cfg":1}`)))
	require.NoError(t, env.m.Pump(testDelay))
	require.Len(t, env.received, 1)
	assert.Equal(t, env.ts.ShadowUpdateDelta, env.received[0].topic)
	assert.Equal(t, []byte(`{"cfg":1}`), env.received[0].payload)
	assert.Equal(t, Connected, env.m.State(), "handler error keeps connection")

	// exactly max is accepted
	require.NoError(t, env.b.Inject(env.ts.ShadowGetAccepted, bytes.Repeat([]byte{'a'}, 16)))
	require.NoError(t, env.m.Pump(testDelay))
	assert.Len(t, env.received, 2)

	require.NoError(t, env.b.Inject(env.ts.ShadowGetAccepted, bytes.Repeat([]byte{'a'}, 17)))
	err := env.m.Pump(time.Second)
	require.Error(t, err)
	assert.Equal(t, ErrPayloadTooLarge, errors.Cause(err))
	assert.Equal(t, Disconnected, env.m.State())
	assert.Len(t, env.received, 2)

	// not connected: pump returns early
	start := time.Now()
	assert.NoError(t, env.m.Pump(time.Second))
	assert.True(t, time.Since(start) < 500*time.Millisecond)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	_, err := env.m.Publish(env.ts.ShadowUpdate, []byte("{}"))
	assert.Equal(t, ErrNotConnected, errors.Cause(err))

	env.connect(t)
	require.NoError(t, env.m.PublishWait(env.ts.ShadowUpdate, []byte(`{"a":1}`), time.Second))
	require.NoError(t, env.m.PublishWait(env.ts.Batch, []byte(`{"b":2}`), time.Second))
	pubs := env.b.Published()
	require.Len(t, pubs, 2)
	assert.Equal(t, mqtt.Message{Topic: env.ts.ShadowUpdate, Payload: []byte(`{"a":1}`), QOS: 1}, pubs[0])
	assert.Equal(t, env.ts.Batch, pubs[1].Topic)

	// refused
	env.b.Puback = func(mqtt.Message) (byte, bool) { return mqtt.ResultFailure, true }
	err = env.m.PublishWait(env.ts.ShadowUpdate, []byte("{}"), time.Second)
	assert.Equal(t, ErrPublishFailed, errors.Cause(err))

	// no ack
	env.b.Puback = func(mqtt.Message) (byte, bool) { return 0, false }
	err = env.m.PublishWait(env.ts.ShadowUpdate, []byte("{}"), testDelay)
	assert.Equal(t, ErrIOTimeout, errors.Cause(err))
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, Connected, env.m.State())

	// connection lost while waiting
	env.b.Puback = func(mqtt.Message) (byte, bool) {
		env.b.Drop(errors.New("connection reset"))
		return 0, false
	}
	err = env.m.PublishWait(env.ts.ShadowUpdate, []byte("{}"), time.Second)
	assert.Equal(t, ErrPublishFailed, errors.Cause(err))
	assert.Equal(t, Disconnected, env.m.State())
	assert.EqualError(t, env.m.LastError(), "connection reset")
}

func TestKeepalive(t *testing.T) {
	t.Parallel()

	t.Run("pong", func(t *testing.T) {
		t.Parallel()
		const keepalive = 200 * time.Millisecond
		env := newTestEnv(t, Options{Keepalive: keepalive})
		env.connect(t)
		require.NoError(t, env.m.Pump(3*keepalive))
		assert.Equal(t, Connected, env.m.State())
		assert.True(t, env.b.Pings() >= 2, "pings=%d", env.b.Pings())
	})
	t.Run("missing-pong", func(t *testing.T) {
		t.Parallel()
		const keepalive = 40 * time.Millisecond
		env := newTestEnv(t, Options{Keepalive: keepalive})
		env.b.NoPingresp = true
		env.connect(t)
		// SUBACK refreshes liveness once
		require.NoError(t, env.m.Pump(10*keepalive))
		assert.Equal(t, Disconnected, env.m.State())
		assert.True(t, env.b.Pings() >= 1)
		assert.True(t, errors.IsTimeout(env.m.LastError()))
	})
}

func TestDisconnectFlush(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	assert.NoError(t, env.m.Disconnect(), "nothing to release")
	env.m.Flush(testDelay)

	env.connect(t)
	assert.NoError(t, env.m.Disconnect())
	assert.Equal(t, Disconnected, env.m.State())
	env.m.Flush(testDelay)
	assert.NoError(t, env.m.Disconnect())

	// reconnect with fresh client after teardown
	env.connect(t)
	assert.Equal(t, 2, env.b.Attempts())
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "State(9)", State(9).String())
}
