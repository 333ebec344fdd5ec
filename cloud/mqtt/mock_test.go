package mqtt

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBroker(t *testing.T) {
	t.Parallel()

	b := NewMockBroker()
	b.ConnectErrs = []error{errors.New("network down")}
	b.ConnackCodes = []byte{0, 5}
	b.Puback = func(m Message) (byte, bool) { return 0, m.Topic != "silent" }
	b.Respond = func(m Message) []Message {
		if m.Topic == "get" {
			return []Message{{Topic: "get/accepted", Payload: []byte(`{}`)}}
		}
		return nil
	}
	ctx := context.Background()

	c, _ := b.NewClient()
	assert.EqualError(t, c.Connect(ctx), "network down")

	c, _ = b.NewClient()
	require.NoError(t, c.Connect(ctx))
	l := &eventLog{c: c}
	assert.Equal(t, byte(0), l.expect(t, EventConnack).Result)
	require.NoError(t, c.Subscribe(1234, []string{"a", "b"}, 1))
	assert.Equal(t, uint16(1234), l.expect(t, EventSuback).ID)
	assert.Equal(t, []string{"a", "b"}, b.Subscriptions())

	require.NoError(t, c.Publish(1, Message{Topic: "get", QOS: 1}))
	assert.Equal(t, uint16(1), l.expect(t, EventPuback).ID)
	assert.Equal(t, "get/accepted", l.expect(t, EventPublish).Message.Topic)

	require.NoError(t, c.Publish(2, Message{Topic: "silent", Payload: []byte("x"), QOS: 1}))
	assert.Equal(t, EventNone, c.Poll(0).Kind)
	assert.Len(t, b.PublishedTo("silent"), 1)
	assert.Len(t, b.Published(), 2)

	require.NoError(t, b.Inject("delta", []byte(`{"cfg":{}}`)))
	assert.Equal(t, "delta", l.expect(t, EventPublish).Message.Topic)

	require.NoError(t, c.Ping())
	l.expect(t, EventPingresp)
	assert.Equal(t, 1, b.Pings())

	b.Drop(errors.New("reset"))
	assert.EqualError(t, l.expect(t, EventDisconnect).Err, "reset")
	assert.Equal(t, ErrNotConnected, c.Publish(3, Message{Topic: "x", QOS: 1}))

	// refused CONNACK
	c, _ = b.NewClient()
	require.NoError(t, c.Connect(ctx))
	l = &eventLog{c: c}
	assert.Equal(t, byte(5), l.expect(t, EventConnack).Result)
	assert.Equal(t, 3, b.Attempts())
}
