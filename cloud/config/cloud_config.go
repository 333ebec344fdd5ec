// Separate package is workaround to import cycles.
package cloud_config

import (
	"time"

	"github.com/bifravst/cloudsync/helpers"
	"github.com/juju/errors"
)

const (
	TransportGomqtt = "gomqtt"
	TransportPaho   = "paho"
)

const (
	DefaultConnectTries      = 3
	DefaultTransmissionSleep = 5 * time.Second
	DefaultNetworkTimeout    = 30 * time.Second
	DefaultKeepalive         = 60 * time.Second
	DefaultRingCapacity      = 20
	DefaultPayloadMax        = 4096
	DefaultTopicPrefix       = "$aws/things/"
	DefaultIdentityLength    = 15

	// CONNECT keepalive field is uint16 seconds
	MaxKeepaliveSec = 65535
)

type Config struct { //nolint:maligned
	Enabled             bool   `hcl:"enable"`
	LogDebug            bool   `hcl:"log_debug"`
	Transport           string `hcl:"transport"`
	MqttBroker          string `hcl:"mqtt_broker"`
	MqttLogDebug        bool   `hcl:"mqtt_log_debug"`
	MqttUsername        string `hcl:"mqtt_username"`
	MqttPassword        string `hcl:"mqtt_password"` // secret
	TlsCaFile           string `hcl:"tls_ca_file"`
	TlsCertFile         string `hcl:"tls_cert_file"`
	TlsKeyFile          string `hcl:"tls_key_file"`
	KeepaliveSec        int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec   int    `hcl:"network_timeout_sec"`
	TopicPrefix         string `hcl:"topic_prefix"`
	Identity            string `hcl:"identity"`
	IdentityFile        string `hcl:"identity_file"`
	IdentityLength      int    `hcl:"identity_length"`
	ConnectTries        int    `hcl:"connect_tries"`
	TransmissionSleepMs int    `hcl:"transmission_sleep_ms"`
	RingCapacity        int    `hcl:"ring_capacity"`
	BatchMax            int    `hcl:"batch_max"`
	PayloadMax          int    `hcl:"payload_max"`
	AppVersion          string `hcl:"app_version"`
}

func (c *Config) TransportName() string {
	if c.Transport == "" {
		return TransportGomqtt
	}
	return c.Transport
}

func (c *Config) TransmissionSleep() time.Duration {
	return helpers.IntMillisecondDefault(c.TransmissionSleepMs, DefaultTransmissionSleep)
}

func (c *Config) NetworkTimeout() time.Duration {
	d := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Keepalive negative disables PINGREQ.
func (c *Config) Keepalive() time.Duration {
	if c.KeepaliveSec < 0 {
		return 0
	}
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}

func (c *Config) Tries() int { return helpers.IntDefault(c.ConnectTries, DefaultConnectTries) }

func (c *Config) Capacity() int { return helpers.IntDefault(c.RingCapacity, DefaultRingCapacity) }

// Batch defaults to ring capacity.
func (c *Config) Batch() int { return helpers.IntDefault(c.BatchMax, c.Capacity()) }

func (c *Config) Payload() int { return helpers.IntDefault(c.PayloadMax, DefaultPayloadMax) }

func (c *Config) Prefix() string {
	if c.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return c.TopicPrefix
}

func (c *Config) IdentityLen() int {
	return helpers.IntDefault(c.IdentityLength, DefaultIdentityLength)
}

// Validate checks only enabled config.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	errs := make([]error, 0, 8)
	if c.MqttBroker == "" {
		errs = append(errs, errors.NotValidf("cloud.mqtt_broker empty"))
	}
	switch c.TransportName() {
	case TransportGomqtt, TransportPaho:
	default:
		errs = append(errs, errors.NotValidf("cloud.transport=%s", c.Transport))
	}
	if c.Identity == "" && c.IdentityFile == "" {
		errs = append(errs, errors.NotValidf("cloud.identity and cloud.identity_file both empty"))
	}
	for _, x := range []struct {
		name  string
		value int
	}{
		{"connect_tries", c.ConnectTries},
		{"transmission_sleep_ms", c.TransmissionSleepMs},
		{"ring_capacity", c.RingCapacity},
		{"batch_max", c.BatchMax},
		{"payload_max", c.PayloadMax},
		{"identity_length", c.IdentityLength},
		{"network_timeout_sec", c.NetworkTimeoutSec},
	} {
		if x.value < 0 {
			errs = append(errs, errors.NotValidf("cloud.%s=%d", x.name, x.value))
		}
	}
	if c.KeepaliveSec > MaxKeepaliveSec {
		errs = append(errs, errors.NotValidf("cloud.keepalive_sec=%d above %d", c.KeepaliveSec, MaxKeepaliveSec))
	}
	if (c.TlsCertFile == "") != (c.TlsKeyFile == "") {
		errs = append(errs, errors.NotValidf("cloud.tls_cert_file and cloud.tls_key_file must be set together"))
	}
	return helpers.FoldErrors(errs)
}
