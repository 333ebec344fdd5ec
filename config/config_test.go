package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cloud_config "github.com/bifravst/cloudsync/cloud/config"
	"github.com/bifravst/cloudsync/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCloud = `
cloud {
	enable = true
	mqtt_broker = "tls://a2n7tk1kp18wix-ats.iot.eu-central-1.amazonaws.com:8883"
	identity = "352656100367872"
}`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			cc := &c.Cloud
			assert.False(t, cc.Enabled)
			assert.Equal(t, cloud_config.TransportGomqtt, cc.TransportName())
			assert.Equal(t, 3, cc.Tries())
			assert.Equal(t, 5*time.Second, cc.TransmissionSleep())
			assert.Equal(t, 20, cc.Capacity())
			assert.Equal(t, 20, cc.Batch())
			assert.Equal(t, 4096, cc.Payload())
			assert.Equal(t, "$aws/things/", cc.Prefix())
			assert.Equal(t, 15, cc.IdentityLen())
			assert.Equal(t, 60*time.Second, cc.Keepalive())
		}, ""},

		{"cloud", testCloud + `
cloud {
	transport = "paho"
	ring_capacity = 40
	transmission_sleep_ms = 250
	keepalive_sec = -1
}`,
			func(t testing.TB, c *Config) {
				cc := &c.Cloud
				assert.True(t, cc.Enabled)
				assert.Equal(t, "352656100367872", cc.Identity)
				assert.Equal(t, cloud_config.TransportPaho, cc.TransportName())
				assert.Equal(t, 40, cc.Capacity())
				assert.Equal(t, 40, cc.Batch(), "batch defaults to ring capacity")
				assert.Equal(t, 250*time.Millisecond, cc.TransmissionSleep())
				assert.Equal(t, time.Duration(0), cc.Keepalive())
			},
			""},

		{"run", `run { idle_sec = 7 demo_position = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Run.IdleSec)
				assert.NoError(t, (&cloud_config.Config{Enabled: true, MqttBroker: "tcp://b:1883", Identity: "1", KeepaliveSec: 65535}).Validate())
				assert.True(t, c.Run.DemoPosition)
			}, ""},

		{"include-normalize", `
cloud { batch_max = 5 }
include "./empty" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 5, c.Cloud.Batch())
			}, ""},

		{"include-optional", `
include "tries-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Cloud.Tries())
			}, ""},

		{"include-overwrites", `
cloud { connect_tries = 1 }
include "tries-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Cloud.Tries())
			}, ""},

		{"error-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-no-broker", `cloud { enable = true identity = "1" }`, nil, "cloud.mqtt_broker empty"},
		{"error-transport", testCloud + `cloud { transport = "carrier-pigeon" }`, nil, "cloud.transport=carrier-pigeon"},
		{"error-negative", testCloud + `cloud { ring_capacity = -1 }`, nil, "cloud.ring_capacity=-1"},
		{"error-keepalive-range", testCloud + `cloud { keepalive_sec = 65536 }`, nil, "cloud.keepalive_sec=65536 above 65535"},
		{"error-tls-pair", testCloud + `cloud { tls_cert_file = "/etc/cert.pem" }`, nil, "must be set together"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"tries-7":      "cloud{connect_tries=7}",
				"error-syntax": "hello",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "cloudsync-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.hcl"), []byte(testCloud+`
include "local.hcl" { optional = true }
include "tuning.hcl" {}`), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "tuning.hcl"), []byte(`cloud { batch_max = 8 }`), 0644))

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	assert.True(t, c.Cloud.Enabled)
	assert.Equal(t, 8, c.Cloud.Batch())

	fs := NewOsFullReader()
	require.NoError(t, fs.SetBase(dir))
	assert.Equal(t, filepath.Join(dir, "tuning.hcl"), fs.Normalize("./tuning.hcl"))
	assert.Equal(t, "/etc/cloudsync.hcl", fs.Normalize("/etc/../etc/cloudsync.hcl"))
	b, err := fs.ReadAll(fs.Normalize("non-exist"))
	assert.NoError(t, err)
	assert.Nil(t, b)
}

func TestReadConfigNames(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fs := NewMockFullReader(map[string]string{
		"base":  testCloud,
		"local": `cloud { connect_tries = 9 }`,
	})
	c, err := ReadConfig(log, fs, "base", "local")
	require.NoError(t, err)
	assert.Equal(t, 9, c.Cloud.Tries())

	_, err = ReadConfig(log, fs, "base", "./base")
	assert.EqualError(t, err, "config duplicate source=./base")

	_, err = ReadConfig(log, fs)
	assert.True(t, errors.IsNotValid(err))
}
