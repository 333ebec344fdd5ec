package mqtt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bifravst/cloudsync/log2"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

// Paho adapts eclipse paho client to Client.
// Tokens and callbacks are converted to events.
// Paho keeps its own keepalive, Ping only reports liveness.
type Paho struct {
	alive   *alive.Alive
	closing uint32
	events  eventQueue
	m       paho.Client
	mopt    *paho.ClientOptions
	opt     ClientOptions
}

var _ Client = &Paho{}

const disconnectQuiesceMs = 250

func NewPaho(opt ClientOptions) (*Paho, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if err := opt.credentials(); err != nil {
		return nil, err
	}
	mqttLog := opt.Log.Clone(log2.LDebug)
	paho.CRITICAL = mqttLog
	paho.ERROR = mqttLog
	paho.WARN = mqttLog
	if opt.LogDebug {
		paho.DEBUG = mqttLog
	}

	c := &Paho{
		alive: alive.NewAlive(),
		opt:   opt,
	}
	c.events = newEventQueue(c.alive.StopChan(), opt.Log)

	c.mopt = paho.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(defaultString(opt.ClientID, opt.Username)).
		SetConnectTimeout(opt.NetworkTimeout).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage).
		SetKeepAlive(time.Duration(opt.KeepaliveSec) * time.Second).
		SetPingTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout)
	if opt.Username != "" {
		c.mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	if opt.TLS != nil {
		c.mopt.SetTLSConfig(opt.TLS)
	}
	c.m = paho.NewClient(c.mopt)
	return c, nil
}

func (c *Paho) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := c.m.Connect()
	return c.await(func() Event {
		e := Event{Kind: EventConnack}
		if err := c.tokenWait(t, "connect"); err != nil {
			e.Result = ResultFailure
			if ct, ok := t.(*paho.ConnectToken); ok && ct.ReturnCode() != 0 {
				e.Result = ct.ReturnCode()
			}
		}
		return e
	})
}

func (c *Paho) Subscribe(id uint16, topics []string, qos byte) error {
	if !c.m.IsConnected() {
		return ErrNotConnected
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	// nil callback routes messages to default publish handler
	t := c.m.SubscribeMultiple(filters, nil)
	return c.await(func() Event {
		e := Event{Kind: EventSuback, ID: id}
		if err := c.tokenWait(t, "subscribe"); err != nil {
			e.Result = ResultFailure
		} else if st, ok := t.(*paho.SubscribeToken); ok {
			for _, code := range st.Result() {
				if code == ResultFailure {
					e.Result = ResultFailure
				}
			}
		}
		return e
	})
}

func (c *Paho) Publish(id uint16, msg Message) error {
	if !c.m.IsConnected() {
		return ErrNotConnected
	}
	t := c.m.Publish(msg.Topic, msg.QOS, false, msg.Payload)
	if msg.QOS == 0 {
		return c.tokenWait(t, "publish")
	}
	return c.await(func() Event {
		e := Event{Kind: EventPuback, ID: id}
		if err := c.tokenWait(t, "publish"); err != nil {
			e.Result = ResultFailure
		}
		return e
	})
}

func (c *Paho) Ping() error {
	if !c.m.IsConnected() {
		return ErrNotConnected
	}
	c.events.push(Event{Kind: EventPingresp})
	return nil
}

func (c *Paho) Poll(timeout time.Duration) Event { return c.events.poll(timeout) }

func (c *Paho) Disconnect() error {
	connected := c.m.IsConnected()
	c.die(func() {
		if connected {
			c.m.Disconnect(disconnectQuiesceMs)
		}
	})
	if !connected {
		return ErrNotConnected
	}
	return nil
}

func (c *Paho) Abort() {
	c.die(func() {
		if c.m.IsConnectionOpen() {
			c.m.Disconnect(0)
		}
	})
}

func (c *Paho) die(disconnect func()) {
	if !atomic.CompareAndSwapUint32(&c.closing, 0, 1) {
		return
	}
	disconnect()
	c.events.push(Event{Kind: EventDisconnect})
	// pending token waiters finish on their own within NetworkTimeout
	c.alive.Stop()
}

// await runs token wait in background, result is pushed as event.
func (c *Paho) await(f func() Event) error {
	if !c.alive.Add(1) {
		return ErrClosing
	}
	go func() {
		defer c.alive.Done()
		c.events.push(f())
	}()
	return nil
}

func (c *Paho) tokenWait(t paho.Token, tag string) error {
	if !t.WaitTimeout(c.opt.NetworkTimeout) {
		return errors.Timeoutf("mqtt %s", tag)
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		c.opt.Log.Errorf("mqtt %s", err.Error())
		return err
	}
	return nil
}

func (c *Paho) onConnectionLost(_ paho.Client, err error) {
	if atomic.LoadUint32(&c.closing) != 0 {
		return
	}
	c.events.push(Event{Kind: EventDisconnect, Err: errors.Annotate(err, "connection lost")})
}

func (c *Paho) onMessage(_ paho.Client, msg paho.Message) {
	c.events.push(Event{
		Kind: EventPublish,
		ID:   msg.MessageID(),
		Message: Message{
			Topic:   msg.Topic(),
			Payload: msg.Payload(),
			QOS:     msg.Qos(),
		},
	})
}
