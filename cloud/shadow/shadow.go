// Package shadow keeps device configuration synchronized with cloud
// device shadow and the latest sensor readings reported next to it.
package shadow

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
)

var ErrDecode = errors.New("shadow decode")

type Mode uint8

const (
	ModeActive Mode = iota
	ModePassive
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModePassive:
		return "passive"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Config is desired configuration, written by cloud, read by scheduler.
type Config struct {
	Mode            Mode
	ActiveWait      time.Duration
	PassiveWait     time.Duration
	MovementTimeout time.Duration
	GPSTimeout      time.Duration
	AccelThreshold  int // raw, display scale 1/10
}

// DefaultConfig is firmware default until first shadow sync.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeActive,
		ActiveWait:      60 * time.Second,
		PassiveWait:     300 * time.Second,
		MovementTimeout: 3600 * time.Second,
		GPSTimeout:      1000 * time.Second,
		AccelThreshold:  100,
	}
}

// Delta is partial Config, nil field means not present in message.
type Delta struct {
	Mode            *Mode
	ActiveWait      *time.Duration
	PassiveWait     *time.Duration
	MovementTimeout *time.Duration
	GPSTimeout      *time.Duration
	AccelThreshold  *int
}

func (d Delta) Empty() bool {
	return d.Mode == nil && d.ActiveWait == nil && d.PassiveWait == nil &&
		d.MovementTimeout == nil && d.GPSTimeout == nil && d.AccelThreshold == nil
}

type DecodeFunc func(payload []byte) (Delta, error)

type Battery struct {
	Voltage int // millivolt
	At      time.Time
}

type Accel struct {
	X, Y, Z float64
	At      time.Time
}

type Snapshot struct {
	Config   Config
	GPSFound bool
	Battery  Battery
	Accel    Accel
}

type State struct {
	mu       sync.Mutex
	cfg      Config
	changed  bool
	gpsFound bool
	battery  Battery
	accel    Accel
	now      func() time.Time
}

func New(cfg Config) *State {
	return &State{cfg: cfg, now: time.Now}
}

func (self *State) SetClock(now func() time.Time) {
	self.mu.Lock()
	self.now = now
	self.mu.Unlock()
}

// ApplyDelta merges present fields only. Returns true if any field changed.
func (self *State) ApplyDelta(d Delta) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	changed := false
	if d.Mode != nil && *d.Mode != self.cfg.Mode {
		self.cfg.Mode = *d.Mode
		changed = true
	}
	changed = mergeDuration(&self.cfg.ActiveWait, d.ActiveWait) || changed
	changed = mergeDuration(&self.cfg.PassiveWait, d.PassiveWait) || changed
	changed = mergeDuration(&self.cfg.MovementTimeout, d.MovementTimeout) || changed
	changed = mergeDuration(&self.cfg.GPSTimeout, d.GPSTimeout) || changed
	if d.AccelThreshold != nil && *d.AccelThreshold != self.cfg.AccelThreshold {
		self.cfg.AccelThreshold = *d.AccelThreshold
		changed = true
	}
	self.changed = self.changed || changed
	return changed
}

func mergeDuration(dst, src *time.Duration) bool {
	if src == nil || *src == *dst {
		return false
	}
	*dst = *src
	return true
}

// ApplyMessage decodes wire payload and merges it.
// Decode error leaves state untouched, cause is ErrDecode.
func (self *State) ApplyMessage(payload []byte, decode DecodeFunc) (bool, error) {
	d, err := decode(payload)
	if err != nil {
		if errors.Cause(err) != ErrDecode {
			err = errors.Annotate(ErrDecode, err.Error())
		}
		return false, err
	}
	return self.ApplyDelta(d), nil
}

// ConfigChanged is edge-triggered: true once after config change, consuming resets.
func (self *State) ConfigChanged() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	c := self.changed
	self.changed = false
	return c
}

// RearmConfigChanged restores flag after failed attempt to report new config.
func (self *State) RearmConfigChanged() {
	self.mu.Lock()
	self.changed = true
	self.mu.Unlock()
}

func (self *State) Config() Config {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.cfg
}

func (self *State) Mode() Mode { return self.Config().Mode }

func (self *State) GPSTimeout() time.Duration { return self.Config().GPSTimeout }

func (self *State) MovementTimeout() time.Duration { return self.Config().MovementTimeout }

func (self *State) EffectiveReportingInterval() time.Duration {
	cfg := self.Config()
	if cfg.Mode == ModeActive {
		return cfg.ActiveWait
	}
	return cfg.PassiveWait
}

// AccelThresholdDisplay is informational only, not used in comparisons.
func (self *State) AccelThresholdDisplay() float64 {
	raw := self.Config().AccelThreshold
	if raw == 0 {
		return 0
	}
	return float64(raw) / 10
}

func (self *State) SetGPSFound(found bool) {
	self.mu.Lock()
	self.gpsFound = found
	self.mu.Unlock()
}

func (self *State) GPSFound() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.gpsFound
}

func (self *State) AttachBattery(voltage int) {
	self.mu.Lock()
	self.battery = Battery{Voltage: voltage, At: self.now()}
	self.mu.Unlock()
}

func (self *State) AttachAcceleration(x, y, z float64) {
	self.mu.Lock()
	self.accel = Accel{X: x, Y: y, Z: z, At: self.now()}
	self.mu.Unlock()
}

func (self *State) Snapshot() Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return Snapshot{
		Config:   self.cfg,
		GPSFound: self.gpsFound,
		Battery:  self.battery,
		Accel:    self.accel,
	}
}
