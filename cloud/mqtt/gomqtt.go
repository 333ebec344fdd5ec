package mqtt

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

// Gomqtt is packet level client over 256dpi/gomqtt transport.
// - clean session only
// - QOS 0,1
// - inbound QOS 1 PUBLISH is acknowledged by reader
// - keepalive is caller job, see Ping
type Gomqtt struct {
	alive   *alive.Alive
	closing uint32
	conn    atomic.Value // transport.Conn
	conpkt  *packet.Connect
	dialer  *transport.Dialer
	events  eventQueue
	opt     ClientOptions
}

var _ Client = &Gomqtt{}

func NewGomqtt(opt ClientOptions) (*Gomqtt, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if err := opt.credentials(); err != nil {
		return nil, err
	}
	c := &Gomqtt{
		alive: alive.NewAlive(),
		opt:   opt,
	}
	c.conpkt = packet.NewConnect()
	c.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	c.conpkt.KeepAlive = opt.KeepaliveSec
	c.conpkt.CleanSession = true
	c.conpkt.Username = opt.Username
	c.conpkt.Password = opt.Password
	c.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})
	c.events = newEventQueue(c.alive.StopChan(), opt.Log)
	return c, nil
}

// Connect dials broker and sends CONNECT.
func (c *Gomqtt) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.getConn() != nil {
		return errors.Errorf("code error Gomqtt.Connect called twice")
	}
	conn, err := c.dialer.Dial(c.opt.BrokerURL)
	if err != nil {
		return errors.Annotatef(err, "dial broker=%s", c.opt.BrokerURL)
	}
	c.conn.Store(conn)
	if !c.alive.Add(1) {
		_ = conn.Close()
		return ErrClosing
	}
	if err = c.send(c.conpkt); err != nil {
		c.alive.Done()
		c.die()
		return err
	}
	go c.reader(conn)
	return nil
}

func (c *Gomqtt) Subscribe(id uint16, topics []string, qos byte) error {
	subpkt := &packet.Subscribe{ID: packet.ID(id)}
	for _, t := range topics {
		subpkt.Subscriptions = append(subpkt.Subscriptions, packet.Subscription{Topic: t, QOS: packet.QOS(qos)})
	}
	return c.send(subpkt)
}

func (c *Gomqtt) Publish(id uint16, msg Message) error {
	if msg.QOS >= byte(packet.QOSExactlyOnce) {
		panic("code error QOS ExactlyOnce not implemented")
	}
	publish := packet.NewPublish()
	publish.Message = packet.Message{Topic: msg.Topic, Payload: msg.Payload, QOS: packet.QOS(msg.QOS)}
	if msg.QOS >= byte(packet.QOSAtLeastOnce) {
		publish.ID = packet.ID(id)
	}
	return c.send(publish)
}

func (c *Gomqtt) Ping() error { return c.send(packet.NewPingreq()) }

func (c *Gomqtt) Poll(timeout time.Duration) Event { return c.events.poll(timeout) }

// Disconnect sends DISCONNECT and closes connection.
// Final DISCONNECT event with nil Err remains for Poll.
func (c *Gomqtt) Disconnect() error {
	if c.getConn() == nil || atomic.LoadUint32(&c.closing) != 0 {
		return client.ErrClientNotConnected
	}
	err := c.send(packet.NewDisconnect())
	c.die()
	return err
}

// Abort closes connection without DISCONNECT packet.
func (c *Gomqtt) Abort() { c.die() }

func (c *Gomqtt) die() {
	if !atomic.CompareAndSwapUint32(&c.closing, 0, 1) {
		return
	}
	if conn := c.getConn(); conn != nil {
		if err := conn.Close(); err != nil && !isClosedConn(err) {
			c.opt.Log.Debugf("conn.Close err=%v", err)
		}
	} else {
		c.events.push(Event{Kind: EventDisconnect})
	}
	c.alive.Stop()
	c.alive.Wait()
}

func (c *Gomqtt) getConn() transport.Conn {
	if x := c.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (c *Gomqtt) send(p packet.Generic) error {
	conn := c.getConn()
	if conn == nil || atomic.LoadUint32(&c.closing) != 0 {
		return ErrNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return errors.Annotatef(err, "send %s", p.Type().String())
	}
	c.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

func (c *Gomqtt) reader(conn transport.Conn) {
	defer c.alive.Done()
	for {
		pkt, err := conn.Receive()
		if err != nil {
			var reason error
			switch {
			case atomic.LoadUint32(&c.closing) != 0: // requested
			case err == io.EOF:
				reason = errors.Annotate(client.ErrClientNotConnected, "server closed connection")
			default:
				reason = errors.Annotate(err, "receive")
			}
			c.events.push(Event{Kind: EventDisconnect, Err: reason})
			return
		}
		c.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			c.events.push(Event{Kind: EventConnack, Result: byte(pt.ReturnCode)})

		case *packet.Publish:
			if pt.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = pt.ID
				if err := c.send(puback); err != nil {
					c.opt.Log.Errorf("PUBACK id=%d err=%v", pt.ID, err)
				}
			}
			c.events.push(Event{
				Kind: EventPublish,
				ID:   uint16(pt.ID),
				Message: Message{
					Topic:   pt.Message.Topic,
					Payload: pt.Message.Payload,
					QOS:     byte(pt.Message.QOS),
				},
			})

		case *packet.Puback:
			c.events.push(Event{Kind: EventPuback, ID: uint16(pt.ID)})

		case *packet.Suback:
			e := Event{Kind: EventSuback, ID: uint16(pt.ID)}
			for _, code := range pt.ReturnCodes {
				if code == packet.QOSFailure {
					e.Result = ResultFailure
				}
			}
			c.events.push(e)

		case *packet.Pingresp:
			c.events.push(Event{Kind: EventPingresp})

		default:
			c.opt.Log.Debugf("unknown packet %s", PacketString(pkt))
		}
	}
}
