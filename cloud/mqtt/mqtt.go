// Package mqtt is MQTT client abstraction used by connection manager.
// Protocol engine reports inbound activity as Event values consumed by Poll,
// so all state changes happen on the goroutine calling Poll.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/bifravst/cloudsync/log2"
	"github.com/juju/errors"
)

const DefaultNetworkTimeout = 30 * time.Second

// ResultFailure is CONNACK/SUBACK/PUBACK failure code reported in Event.Result.
const ResultFailure byte = 0x80

const eventQueueDepth = 64

var (
	ErrNotConnected = errors.New("mqtt not connected")
	ErrClosing      = errors.New("mqtt client is closing")
)

type Message struct {
	Topic   string
	Payload []byte
	QOS     byte
}

func (m Message) String() string {
	return fmt.Sprintf("Topic=%q QOS=%d Payload=%x", m.Topic, m.QOS, m.Payload)
}

type EventKind uint8

const (
	EventNone EventKind = iota
	EventConnack
	EventDisconnect
	EventPublish
	EventPuback
	EventSuback
	EventPingresp
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventConnack:
		return "CONNACK"
	case EventDisconnect:
		return "DISCONNECT"
	case EventPublish:
		return "PUBLISH"
	case EventPuback:
		return "PUBACK"
	case EventSuback:
		return "SUBACK"
	case EventPingresp:
		return "PINGRESP"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

type Event struct {
	Kind    EventKind
	Result  byte   // CONNACK return code, PUBACK/SUBACK 0 or ResultFailure
	ID      uint16 // PUBACK, SUBACK, inbound PUBLISH
	Message Message
	Err     error // DISCONNECT reason, nil on requested close
}

func (e Event) String() string {
	switch e.Kind {
	case EventPublish:
		return fmt.Sprintf("<%s id=%d %s>", e.Kind, e.ID, e.Message.String())
	case EventDisconnect:
		return fmt.Sprintf("<%s err=%v>", e.Kind, e.Err)
	default:
		return fmt.Sprintf("<%s id=%d result=%d>", e.Kind, e.ID, e.Result)
	}
}

// Client is single connection, not reusable after Disconnect or Abort.
// - Connect returns after CONNECT is sent, CONNACK arrives as event
// - Subscribe, Publish results arrive as SUBACK, PUBACK events
// - Poll returns EventNone on timeout
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(id uint16, topics []string, qos byte) error
	Publish(id uint16, msg Message) error
	Ping() error
	Poll(timeout time.Duration) Event
	Disconnect() error
	Abort()
}

// Factory makes fresh Client for each connection attempt.
type Factory func() (Client, error)

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Log            *log2.Log
	LogDebug       bool
}

// eventQueue is shared by adapters: protocol goroutines push, Poll consumes.
type eventQueue struct {
	ch     chan Event
	stopch <-chan struct{}
	log    *log2.Log
}

func newEventQueue(stopch <-chan struct{}, log *log2.Log) eventQueue {
	return eventQueue{ch: make(chan Event, eventQueueDepth), stopch: stopch, log: log}
}

func (q eventQueue) push(e Event) {
	select {
	case q.ch <- e:
		return
	default:
	}
	q.log.Debugf("event queue full, wait for Poll event=%s", e.String())
	select {
	case q.ch <- e:
	case <-q.stopch:
		q.log.Errorf("event dropped on close event=%s", e.String())
	}
}

func (q eventQueue) poll(timeout time.Duration) Event {
	select {
	case e := <-q.ch:
		return e
	default:
	}
	if timeout <= 0 {
		return Event{Kind: EventNone}
	}
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case e := <-q.ch:
		return e
	case <-tmr.C:
		return Event{Kind: EventNone}
	}
}
