package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net/url"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
)

// PacketString prints PUBLISH payload as hex, no duplicate "Message=<Message".
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}

// KeepaliveAndHalf is [MQTT-3.1.2-24] limit between control packets.
func KeepaliveAndHalf(d time.Duration) time.Duration {
	return d + d/2
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

// credentials fills empty Username/Password from broker URL userinfo.
func (opt *ClientOptions) credentials() error {
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	return nil
}

// TLSConfig returns nil when no files given, broker URL scheme then decides.
func TLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	if caFile == "" && certFile == "" && keyFile == "" {
		return nil, nil
	}
	tlsconf := new(tls.Config)
	if caFile != "" {
		cabytes, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, errors.Annotate(err, "tls ca")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("tls ca file=%s no certificates", caFile)
		}
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Annotate(err, "tls client certificate")
		}
		tlsconf.Certificates = []tls.Certificate{cert}
	}
	return tlsconf, nil
}
