// Package cloud is device side telemetry sync engine.
//
// One cycle: connect, perform action (pair or report), publish changed
// config, drain pending position samples in batches, disconnect.
// Cycles are driven by external scheduler, see ReportingInterval.
package cloud

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bifravst/cloudsync/cloud/codec"
	cloud_config "github.com/bifravst/cloudsync/cloud/config"
	"github.com/bifravst/cloudsync/cloud/conn"
	"github.com/bifravst/cloudsync/cloud/identity"
	"github.com/bifravst/cloudsync/cloud/mqtt"
	"github.com/bifravst/cloudsync/cloud/ring"
	"github.com/bifravst/cloudsync/cloud/shadow"
	"github.com/bifravst/cloudsync/cloud/topics"
	"github.com/bifravst/cloudsync/helpers"
	"github.com/bifravst/cloudsync/log2"
	"github.com/juju/errors"
)

// Cloud contract:
// - Init() fails only with invalid config or unavailable identity, network issues ignored
// - RunCycle() always releases connection before return
// - at most one RunCycle() at a time, reentry gets ErrCycleInProgress
// - position samples may be lost on ring overflow
type Cloud struct { //nolint:maligned
	config     cloud_config.Config
	log        *log2.Log
	factory    mqtt.Factory
	codec      codec.Codec
	topics     topics.Set
	ring       *ring.Ring
	shadow     *shadow.State
	conn       *conn.Manager
	now        func() time.Time
	running    int32
	sleep      time.Duration
	batchMax   int
	appVersion string

	// cycle goroutine only
	includeStatic bool
	getResponse   bool
}

var _ Syncer = &Cloud{}

func (self *Cloud) Init(ctx context.Context, log *log2.Log, config cloud_config.Config) error {
	self.config = config
	self.log = log.Clone(log2.LInfo)
	if config.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	if err := config.Validate(); err != nil {
		return errors.Annotate(err, "cloud config")
	}

	ns := topics.Namespace{Prefix: config.Prefix(), IdentityLen: config.IdentityLen()}
	ts, err := ns.BuildFrom(identity.FromConfig(config.Identity, config.IdentityFile))
	if err != nil {
		return errors.Annotate(err, "cloud topics")
	}
	self.topics = ts
	self.log.Debugf("cloud identity=%s update=%s", ts.Identity, ts.ShadowUpdate)

	self.sleep = config.TransmissionSleep()
	self.batchMax = config.Batch()
	self.appVersion = config.AppVersion
	if self.now == nil {
		self.now = time.Now
	}
	self.ring = ring.New(config.Capacity())
	self.ring.SetClock(self.now)
	self.shadow = shadow.New(shadow.DefaultConfig())
	self.shadow.SetClock(self.now)
	// test code sets .codec and .factory
	if self.codec == nil {
		self.codec = codec.JSON{}
	}
	if self.factory == nil { // production path
		if self.factory, err = self.newFactory(); err != nil {
			return errors.Annotate(err, "cloud transport")
		}
	}

	self.conn, err = conn.NewManager(conn.Options{
		Factory:    self.factory,
		Topics:     ts,
		OnMessage:  self.onMessage,
		Keepalive:  config.Keepalive(),
		PayloadMax: config.Payload(),
		Log:        self.log,
	})
	return errors.Annotate(err, "cloud conn")
}

func (self *Cloud) newFactory() (mqtt.Factory, error) {
	c := &self.config
	tlsConfig, err := mqtt.TLSConfig(c.TlsCaFile, c.TlsCertFile, c.TlsKeyFile)
	if err != nil {
		return nil, err
	}
	opt := mqtt.ClientOptions{
		BrokerURL:      c.MqttBroker,
		TLS:            tlsConfig,
		NetworkTimeout: c.NetworkTimeout(),
		KeepaliveSec:   uint16(c.Keepalive() / time.Second),
		ClientID:       self.topics.Identity,
		Username:       c.MqttUsername,
		Password:       c.MqttPassword,
		Log:            self.log,
		LogDebug:       c.MqttLogDebug,
	}
	switch c.TransportName() {
	case cloud_config.TransportPaho:
		return func() (mqtt.Client, error) {
			client, err := mqtt.NewPaho(opt)
			if err != nil {
				return nil, err
			}
			return client, nil
		}, nil
	default:
		return func() (mqtt.Client, error) {
			client, err := mqtt.NewGomqtt(opt)
			if err != nil {
				return nil, err
			}
			return client, nil
		}, nil
	}
}

// Close releases connection left by interrupted cycle.
func (self *Cloud) Close() {
	if self.conn == nil || atomic.LoadInt32(&self.running) != 0 {
		return
	}
	if err := self.conn.Disconnect(); err != nil {
		self.log.Errorf("cloud close err=%v", err)
	}
	self.conn.Flush(self.sleep)
}

// RunCycle performs one full connection cycle. Teardown runs on every path.
// First error wins, later teardown errors are logged.
func (self *Cloud) RunCycle(ctx context.Context, action Action) error {
	if !atomic.CompareAndSwapInt32(&self.running, 0, 1) {
		return ErrCycleInProgress
	}
	defer atomic.StoreInt32(&self.running, 0)

	self.log.Debugf("cycle start action=%s", action)
	err := self.cycle(ctx, action)
	if terr := self.teardown(); terr != nil {
		if err == nil {
			err = terr
		} else {
			self.log.Errorf("cycle teardown err=%v", terr)
		}
	}
	if err != nil {
		self.log.Errorf("cycle action=%s err=%v", action, err)
		return err
	}
	self.log.Debugf("cycle done action=%s", action)
	return nil
}

func (self *Cloud) cycle(ctx context.Context, action Action) error {
	switch action {
	case ActionPair, ActionReport:
	default:
		return errors.NotValidf("cloud action=%s", action)
	}

	if err := self.conn.EnsureConnected(ctx, self.config.Tries(), self.sleep); err != nil {
		return errors.Annotate(err, "cycle connect")
	}

	var err error
	switch action {
	case ActionPair:
		err = self.pair()
	case ActionReport:
		err = self.report()
	}
	if err != nil {
		return err
	}
	if err = self.reportConfig(); err != nil {
		return err
	}
	return self.drain(ctx)
}

// pair requests full shadow, desired config arrives on get/accepted.
func (self *Cloud) pair() error {
	self.getResponse = false
	if err := self.conn.PublishWait(self.topics.ShadowGet, []byte{}, self.sleep); err != nil {
		return errors.Annotate(err, "pair shadow get")
	}
	if err := self.conn.PumpUntil(self.sleep, func() bool { return self.getResponse }); err != nil {
		return errors.Annotate(err, "pair")
	}
	if !self.getResponse {
		self.log.Errorf("pair no shadow get response within %v", self.sleep)
	}
	self.includeStatic = true
	return nil
}

func (self *Cloud) report() error {
	snap := self.shadow.Snapshot()
	var r codec.Report
	if !snap.Battery.At.IsZero() {
		r.Battery = &snap.Battery
	}
	if !snap.Accel.At.IsZero() {
		r.Accel = &snap.Accel
	}
	if latest, ok := self.ring.Latest(); ok && latest.Pending {
		r.GPS = &latest
	}
	if self.includeStatic {
		r.Device = &codec.DeviceInfo{
			IMEI:       self.topics.Identity,
			AppVersion: self.appVersion,
			At:         self.now(),
		}
	}
	if r.Empty() {
		// nothing measured yet, report config as heartbeat
		r.Config = &snap.Config
	}

	payload, err := self.codec.EncodeShadowUpdate(r)
	if err != nil {
		return errors.Annotate(err, "report")
	}
	if err = self.conn.PublishWait(self.topics.ShadowUpdate, payload, self.sleep); err != nil {
		return errors.Annotate(err, "report")
	}
	if r.GPS != nil && snap.GPSFound {
		self.ring.ClearPending(r.GPS.ID)
	}
	self.includeStatic = false
	return nil
}

func (self *Cloud) reportConfig() error {
	if !self.shadow.ConfigChanged() {
		return nil
	}
	cfg := self.shadow.Config()
	payload, err := self.codec.EncodeShadowUpdate(codec.Report{Config: &cfg})
	if err == nil {
		err = self.conn.PublishWait(self.topics.ShadowUpdate, payload, self.sleep)
	}
	if err != nil {
		self.shadow.RearmConfigChanged()
		return errors.Annotate(err, "report config")
	}
	self.log.Infof("reported config mode=%s interval=%v", cfg.Mode, self.shadow.EffectiveReportingInterval())
	return nil
}

// drain publishes pending samples oldest first, batchMax per message,
// until none pending. Iterations are bounded by pending count at start plus one,
// so sensor goroutine pushing meanwhile can not keep cycle alive forever.
func (self *Cloud) drain(ctx context.Context) error {
	pending := self.ring.CountPending()
	if pending == 0 {
		return nil
	}
	limit := (pending+self.batchMax-1)/self.batchMax + 1
	samples := make([]ring.Sample, 0, self.batchMax)
	for i := 0; i < limit && self.ring.CountPending() > 0; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Annotate(err, "batch")
		}
		b := self.ring.Drain(self.batchMax)
		samples = samples[:0]
		for b.Next() {
			samples = append(samples, b.Sample())
		}
		if len(samples) == 0 {
			break
		}
		payload, err := self.codec.EncodeBatch(samples)
		if err != nil {
			return errors.Annotate(err, "batch")
		}
		if err = self.conn.PublishWait(self.topics.Batch, payload, self.sleep); err != nil {
			return errors.Annotatef(err, "batch %d/%d", i+1, limit)
		}
		n := self.ring.ClearPending(b.IDs()...)
		self.log.Debugf("batch %d/%d sent=%d cleared=%d", i+1, limit, len(samples), n)
	}
	return nil
}

func (self *Cloud) teardown() error {
	errs := make([]error, 0, 2)
	if err := self.conn.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	self.conn.Flush(self.sleep)
	if self.conn.State() != conn.Disconnected {
		errs = append(errs, errors.Errorf("code error conn state=%s after teardown", self.conn.State()))
	}
	self.getResponse = false
	return helpers.FoldErrors(errs)
}

// onMessage runs inside conn Pump, on cycle goroutine.
func (self *Cloud) onMessage(topic string, payload []byte) error {
	switch topic {
	case self.topics.ShadowGetRejected:
		self.getResponse = true
		self.log.Errorf("shadow get rejected payload=%s", payload)
		return nil

	case self.topics.ShadowGetAccepted:
		self.getResponse = true

	case self.topics.ShadowUpdateDelta:

	default:
		self.log.Errorf("unexpected topic=%s", topic)
		return nil
	}

	changed, err := self.shadow.ApplyMessage(payload, self.codec.DecodeShadowMessage)
	if err != nil {
		return errors.Annotatef(err, "topic=%s", topic)
	}
	if changed {
		cfg := self.shadow.Config()
		self.log.Infof("config changed mode=%s active=%v passive=%v mvt=%v gpst=%v acct=%.1f",
			cfg.Mode, cfg.ActiveWait, cfg.PassiveWait, cfg.MovementTimeout, cfg.GPSTimeout, self.shadow.AccelThresholdDisplay())
	}
	return nil
}

func (self *Cloud) AttachPosition(s ring.Sample) uint64 { return self.ring.Push(s) }

func (self *Cloud) AttachBattery(millivolt int) { self.shadow.AttachBattery(millivolt) }

func (self *Cloud) AttachAcceleration(x, y, z float64) { self.shadow.AttachAcceleration(x, y, z) }

func (self *Cloud) SetGPSFound(found bool) { self.shadow.SetGPSFound(found) }

func (self *Cloud) Mode() shadow.Mode { return self.shadow.Mode() }

// ReportingInterval is wait between cycles for current mode.
func (self *Cloud) ReportingInterval() time.Duration { return self.shadow.EffectiveReportingInterval() }

func (self *Cloud) GPSTimeout() time.Duration { return self.shadow.GPSTimeout() }

func (self *Cloud) MovementTimeout() time.Duration { return self.shadow.MovementTimeout() }

func (self *Cloud) AccelThreshold() float64 { return self.shadow.AccelThresholdDisplay() }

func (self *Cloud) ConnState() conn.State { return self.conn.State() }

func (self *Cloud) Topics() topics.Set { return self.topics }

func (self *Cloud) PendingCount() int { return self.ring.CountPending() }

func (self *Cloud) Snapshot() shadow.Snapshot { return self.shadow.Snapshot() }
