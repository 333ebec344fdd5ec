// Package conn owns MQTT session lifecycle for one device:
// connect with retries, subscribe, pump inbound events, publish and wait acks.
//
// Manager is not safe for concurrent use, except State.
// Pump is the only place where inbound events are handled.
package conn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bifravst/cloudsync/cloud/mqtt"
	"github.com/bifravst/cloudsync/cloud/topics"
	"github.com/bifravst/cloudsync/log2"
	"github.com/juju/errors"
)

const (
	SubscribeID       uint16 = 1234
	DefaultQOS        byte   = 1
	DefaultPayloadMax        = 4096
	minPayloadLen            = 2
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Options struct {
	Factory   mqtt.Factory
	Topics    topics.Set
	OnMessage func(topic string, payload []byte) error
	// zero disables PINGREQ
	Keepalive  time.Duration
	PayloadMax int
	Log        *log2.Log
}

type Manager struct {
	opt     Options
	log     *log2.Log
	state   int32
	client  mqtt.Client
	lastID  uint16
	acks    map[uint16]byte // PUBACK results not yet awaited
	pingAt  time.Time       // last outgoing packet
	pongAt  time.Time       // last incoming packet
	lostErr error
	scratch []byte
}

func NewManager(opt Options) (*Manager, error) {
	if opt.Factory == nil {
		return nil, errors.NotValidf("code error conn.Options.Factory=nil")
	}
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error conn.Options.OnMessage=nil")
	}
	if opt.PayloadMax <= 0 {
		opt.PayloadMax = DefaultPayloadMax
	}
	return &Manager{
		opt:     opt,
		log:     opt.Log,
		acks:    make(map[uint16]byte),
		scratch: make([]byte, opt.PayloadMax),
	}, nil
}

func (self *Manager) State() State { return State(atomic.LoadInt32(&self.state)) }

func (self *Manager) setState(s State) {
	if prev := State(atomic.SwapInt32(&self.state, int32(s))); prev != s {
		self.log.Debugf("conn state %s -> %s", prev, s)
	}
}

// EnsureConnected makes up to maxAttempts connection attempts with fresh client each.
// Failed connect call sleeps delay before next attempt, CONNACK is awaited up to delay.
func (self *Manager) EnsureConnected(ctx context.Context, maxAttempts int, delay time.Duration) error {
	if self.State() == Connected {
		return nil
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Annotate(err, "connect")
		}
		sleep, err := self.connectOnce(ctx, delay)
		if err == nil {
			self.log.Infof("connected attempt=%d", attempt)
			return nil
		}
		self.log.Errorf("connect attempt=%d/%d err=%v", attempt, maxAttempts, err)
		if sleep && attempt < maxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Annotate(ctx.Err(), "connect")
			}
		}
	}
	return errors.Annotatef(ErrConnectionExhausted, "attempts=%d", maxAttempts)
}

func (self *Manager) connectOnce(ctx context.Context, delay time.Duration) (bool, error) {
	client, err := self.opt.Factory()
	if err != nil {
		return false, errors.Annotate(err, "client init")
	}
	self.setState(Connecting)
	if err = client.Connect(ctx); err != nil {
		client.Abort()
		self.setState(Disconnected)
		return true, errors.Annotate(err, "connect")
	}

	if err = self.waitConnack(client, delay); err != nil {
		client.Abort()
		self.setState(Disconnected)
		return false, err
	}

	self.client = client
	self.lostErr = nil
	self.acks = make(map[uint16]byte)
	self.pingAt = time.Now()
	self.pongAt = time.Now()
	self.setState(Connected)

	// SUBACK is handled by Pump
	if err = client.Subscribe(SubscribeID, self.opt.Topics.Subscriptions(), DefaultQOS); err != nil {
		self.abort(errors.Annotate(err, "subscribe"))
		return false, errors.Annotate(err, "subscribe")
	}
	self.pingAt = time.Now()
	return false, nil
}

func (self *Manager) waitConnack(client mqtt.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return errors.Timeoutf("CONNACK")
		}
		e := client.Poll(left)
		switch e.Kind {
		case mqtt.EventNone:
			return errors.Timeoutf("CONNACK")
		case mqtt.EventConnack:
			if e.Result != 0 {
				return errors.Errorf("CONNACK refused code=%d", e.Result)
			}
			return nil
		case mqtt.EventDisconnect:
			if e.Err == nil {
				return errors.Annotate(ErrNotConnected, "disconnected before CONNACK")
			}
			return errors.Annotate(e.Err, "disconnected before CONNACK")
		default:
			self.log.Errorf("unexpected before CONNACK event=%s", e.String())
		}
	}
}

// Pump services connection up to timeout. Returns early without error when not connected.
func (self *Manager) Pump(timeout time.Duration) error {
	return self.PumpUntil(timeout, nil)
}

// PumpUntil is Pump returning as soon as done() holds.
func (self *Manager) PumpUntil(timeout time.Duration, done func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if done != nil && done() {
			return nil
		}
		if self.State() != Connected {
			return nil
		}
		self.keepalive()
		if self.State() != Connected {
			return nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		if tick := self.opt.Keepalive / 4; tick > 0 && tick < left {
			left = tick
		}
		if err := self.dispatch(self.client.Poll(left)); err != nil {
			return err
		}
	}
}

func (self *Manager) keepalive() {
	if self.opt.Keepalive <= 0 {
		return
	}
	if since := time.Since(self.pongAt); since > mqtt.KeepaliveAndHalf(self.opt.Keepalive) {
		self.abort(errors.Annotatef(ErrIOTimeout, "keepalive no response for %v", since))
		return
	}
	if time.Since(self.pingAt) >= self.opt.Keepalive {
		if err := self.client.Ping(); err != nil {
			self.abort(errors.Annotate(err, "PINGREQ"))
			return
		}
		self.pingAt = time.Now()
	}
}

func (self *Manager) dispatch(e mqtt.Event) error {
	switch e.Kind {
	case mqtt.EventNone:
		return nil
	case mqtt.EventDisconnect:
		self.lost(e.Err)
		return nil
	}

	self.pongAt = time.Now()
	switch e.Kind {
	case mqtt.EventPuback:
		if e.Result != 0 {
			self.log.Errorf("PUBACK id=%d result=%d", e.ID, e.Result)
		}
		self.acks[e.ID] = e.Result

	case mqtt.EventSuback:
		if e.Result != 0 {
			self.log.Errorf("SUBACK id=%d result=%d", e.ID, e.Result)
		} else {
			self.log.Debugf("subscribed id=%d", e.ID)
		}

	case mqtt.EventPingresp:

	case mqtt.EventPublish:
		return self.onPublish(e.Message)

	default:
		self.log.Errorf("unexpected event=%s", e.String())
	}
	return nil
}

func (self *Manager) onPublish(msg mqtt.Message) error {
	n := len(msg.Payload)
	if n > self.opt.PayloadMax {
		err := errors.Annotatef(ErrPayloadTooLarge, "topic=%s len=%d max=%d", msg.Topic, n, self.opt.PayloadMax)
		self.abort(err)
		return err
	}
	if n < minPayloadLen {
		self.log.Debugf("ignore short payload topic=%s len=%d", msg.Topic, n)
		return nil
	}
	buf := self.scratch[:n]
	copy(buf, msg.Payload)
	if err := self.opt.OnMessage(msg.Topic, buf); err != nil {
		self.log.Errorf("inbound topic=%s err=%v", msg.Topic, err)
	}
	return nil
}

// Publish sends QOS 1 message, PUBACK is collected by Pump, see AwaitAck.
func (self *Manager) Publish(topic string, payload []byte) (uint16, error) {
	if self.State() != Connected {
		return 0, ErrNotConnected
	}
	id := self.nextID()
	err := self.client.Publish(id, mqtt.Message{Topic: topic, Payload: payload, QOS: DefaultQOS})
	if err != nil {
		self.abort(err)
		return 0, errors.Annotatef(ErrPublishFailed, "topic=%s err=%v", topic, err)
	}
	self.pingAt = time.Now()
	self.log.Debugf("published id=%d topic=%s len=%d", id, topic, len(payload))
	return id, nil
}

// AwaitAck pumps until PUBACK for id arrives, connection is lost or timeout.
func (self *Manager) AwaitAck(id uint16, timeout time.Duration) error {
	acked := func() bool { _, ok := self.acks[id]; return ok }
	if err := self.PumpUntil(timeout, acked); err != nil {
		return err
	}
	if result, ok := self.acks[id]; ok {
		delete(self.acks, id)
		if result != 0 {
			return errors.Annotatef(ErrPublishFailed, "PUBACK id=%d result=%d", id, result)
		}
		return nil
	}
	if self.State() != Connected {
		return errors.Annotatef(ErrPublishFailed, "id=%d connection lost: %v", id, self.lostErr)
	}
	return errors.Annotatef(ErrIOTimeout, "PUBACK id=%d after %v", id, timeout)
}

func (self *Manager) PublishWait(topic string, payload []byte, timeout time.Duration) error {
	id, err := self.Publish(topic, payload)
	if err != nil {
		return err
	}
	return self.AwaitAck(id, timeout)
}

// Disconnect sends DISCONNECT if connected. Call Flush after to release client.
func (self *Manager) Disconnect() error {
	if self.client == nil {
		self.setState(Disconnected)
		return nil
	}
	wasConnected := self.State() == Connected
	self.setState(Disconnected)
	err := self.client.Disconnect()
	if !wasConnected {
		return nil
	}
	return errors.Annotate(err, "disconnect")
}

// Flush services one poll regardless of state, then drops client.
func (self *Manager) Flush(timeout time.Duration) {
	if self.client == nil {
		return
	}
	e := self.client.Poll(timeout)
	if e.Kind != mqtt.EventNone {
		self.log.Debugf("flush event=%s", e.String())
	}
	self.client.Abort()
	self.client = nil
	self.setState(Disconnected)
}

func (self *Manager) LastError() error { return self.lostErr }

func (self *Manager) lost(err error) {
	if err != nil {
		self.log.Errorf("connection lost err=%v", err)
	} else {
		self.log.Debugf("connection closed")
	}
	self.lostErr = err
	self.setState(Disconnected)
	if self.client != nil {
		self.client.Abort()
		self.client = nil
	}
}

func (self *Manager) abort(err error) {
	self.log.Errorf("abort connection err=%v", err)
	self.lostErr = err
	self.setState(Disconnected)
	if self.client != nil {
		self.client.Abort()
		self.client = nil
	}
}

func (self *Manager) nextID() uint16 {
	self.lastID++
	if self.lastID == 0 || self.lastID == SubscribeID {
		self.lastID++
	}
	return self.lastID
}
