package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

// MockBroker is scripted in-memory broker for tests above Client.
// Every NewClient call is one connection attempt.
type MockBroker struct {
	sync.Mutex

	// ConnectErrs[i] is returned by Connect of attempt i, nil continues with CONNACK.
	ConnectErrs []error
	// ConnackCodes[i] is CONNACK return code of attempt i, missing means accepted.
	ConnackCodes []byte
	SubackResult byte
	NoPingresp   bool
	// Puback decides PUBACK for outgoing message: result and whether to send at all.
	Puback func(Message) (result byte, send bool)
	// Respond returns inbound messages delivered after PUBACK, e.g. shadow get response.
	Respond func(Message) []Message

	attempts      int
	current       *MockClient
	published     []Message
	subscriptions []string
	pings         int
}

func NewMockBroker() *MockBroker { return &MockBroker{} }

func (b *MockBroker) NewClient() (Client, error) {
	b.Lock()
	defer b.Unlock()
	c := &MockClient{
		b:       b,
		attempt: b.attempts,
		events:  newEventQueue(nil, nil),
	}
	b.attempts++
	b.current = c
	return c, nil
}

// Attempts is number of clients created.
func (b *MockBroker) Attempts() int {
	b.Lock()
	defer b.Unlock()
	return b.attempts
}

func (b *MockBroker) Published() []Message {
	b.Lock()
	defer b.Unlock()
	return append([]Message(nil), b.published...)
}

func (b *MockBroker) PublishedTo(topic string) []Message {
	b.Lock()
	defer b.Unlock()
	var result []Message
	for _, m := range b.published {
		if m.Topic == topic {
			result = append(result, m)
		}
	}
	return result
}

func (b *MockBroker) Subscriptions() []string {
	b.Lock()
	defer b.Unlock()
	return append([]string(nil), b.subscriptions...)
}

func (b *MockBroker) Pings() int {
	b.Lock()
	defer b.Unlock()
	return b.pings
}

// Inject delivers inbound message to current connection.
func (b *MockBroker) Inject(topic string, payload []byte) error {
	c := b.client()
	if c == nil || !c.isConnected() {
		return ErrNotConnected
	}
	c.events.push(Event{Kind: EventPublish, Message: Message{Topic: topic, Payload: payload, QOS: 1}})
	return nil
}

// Drop simulates network failure of current connection.
func (b *MockBroker) Drop(err error) {
	if c := b.client(); c != nil {
		c.close(err)
	}
}

func (b *MockBroker) client() *MockClient {
	b.Lock()
	defer b.Unlock()
	return b.current
}

type MockClient struct {
	b         *MockBroker
	attempt   int
	events    eventQueue
	mu        sync.Mutex
	connected bool
	closed    bool
}

var _ Client = &MockClient{}

func (c *MockClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.b.Lock()
	var err error
	if c.attempt < len(c.b.ConnectErrs) {
		err = c.b.ConnectErrs[c.attempt]
	}
	var code byte
	if c.attempt < len(c.b.ConnackCodes) {
		code = c.b.ConnackCodes[c.attempt]
	}
	c.b.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = code == 0
	c.mu.Unlock()
	c.events.push(Event{Kind: EventConnack, Result: code})
	if code != 0 {
		c.close(errors.Errorf("CONNACK code=%d", code))
	}
	return nil
}

func (c *MockClient) Subscribe(id uint16, topics []string, qos byte) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	c.b.Lock()
	c.b.subscriptions = append(c.b.subscriptions, topics...)
	result := c.b.SubackResult
	c.b.Unlock()
	c.events.push(Event{Kind: EventSuback, ID: id, Result: result})
	return nil
}

func (c *MockClient) Publish(id uint16, msg Message) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	c.b.Lock()
	c.b.published = append(c.b.published, msg)
	puback, respond := c.b.Puback, c.b.Respond
	c.b.Unlock()

	result, send := byte(0), true
	if puback != nil {
		result, send = puback(msg)
	}
	if send && msg.QOS > 0 {
		c.events.push(Event{Kind: EventPuback, ID: id, Result: result})
	}
	if respond != nil {
		for _, r := range respond(msg) {
			c.events.push(Event{Kind: EventPublish, Message: r})
		}
	}
	return nil
}

func (c *MockClient) Ping() error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	c.b.Lock()
	c.b.pings++
	silent := c.b.NoPingresp
	c.b.Unlock()
	if !silent {
		c.events.push(Event{Kind: EventPingresp})
	}
	return nil
}

func (c *MockClient) Poll(timeout time.Duration) Event { return c.events.poll(timeout) }

func (c *MockClient) Disconnect() error {
	if !c.isConnected() {
		c.close(nil)
		return ErrNotConnected
	}
	c.close(nil)
	return nil
}

func (c *MockClient) Abort() { c.close(nil) }

func (c *MockClient) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *MockClient) close(err error) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	if !already {
		c.events.push(Event{Kind: EventDisconnect, Err: err})
	}
}
