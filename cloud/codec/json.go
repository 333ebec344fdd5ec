package codec

import (
	"encoding/json"
	"math"
	"time"

	"github.com/bifravst/cloudsync/cloud/ring"
	"github.com/bifravst/cloudsync/cloud/shadow"
	"github.com/bifravst/cloudsync/helpers"
	"github.com/juju/errors"
)

// JSON is device shadow document format:
//
//	{"state":{"reported":{"cfg":{...},"bat":{"v":3700,"ts":1580000000000},"gps":{"v":{...},"ts":...}}}}
//
// Durations are whole seconds, ts is Unix milliseconds,
// acct is acceleration threshold at display scale.
type JSON struct{}

var _ Codec = JSON{}

type wireConfig struct {
	Active          *bool    `json:"act,omitempty"`
	ActiveWait      *float64 `json:"actwt,omitempty"`
	PassiveWait     *float64 `json:"mvres,omitempty"`
	MovementTimeout *float64 `json:"mvt,omitempty"`
	GPSTimeout      *float64 `json:"gpst,omitempty"`
	AccelThreshold  *float64 `json:"acct,omitempty"`
}

type wireValue struct {
	V  interface{} `json:"v"`
	TS int64       `json:"ts"`
}

type wireGPS struct {
	Longitude float64 `json:"lng"`
	Latitude  float64 `json:"lat"`
	Accuracy  float64 `json:"acc"`
	Altitude  float64 `json:"alt"`
	Speed     float64 `json:"spd"`
	Heading   float64 `json:"hdg"`
}

type wireDevice struct {
	IMEI       string `json:"imei"`
	AppVersion string `json:"appV,omitempty"`
}

type wireReported struct {
	Config  *wireConfig `json:"cfg,omitempty"`
	Battery *wireValue  `json:"bat,omitempty"`
	Accel   *wireValue  `json:"acc,omitempty"`
	GPS     *wireValue  `json:"gps,omitempty"`
	Device  *wireValue  `json:"dev,omitempty"`
}

type wireUpdate struct {
	State struct {
		Reported wireReported `json:"reported"`
	} `json:"state"`
}

type wireBatch struct {
	GPS []wireValue `json:"gps"`
}

func (JSON) EncodeShadowUpdate(r Report) ([]byte, error) {
	if r.Empty() {
		return nil, errors.NotValidf("empty report")
	}
	var u wireUpdate
	rep := &u.State.Reported
	if r.Config != nil {
		rep.Config = encodeConfig(*r.Config)
	}
	if r.Battery != nil {
		rep.Battery = &wireValue{V: r.Battery.Voltage, TS: helpers.UnixMilli(r.Battery.At)}
	}
	if r.Accel != nil {
		rep.Accel = &wireValue{V: [3]float64{r.Accel.X, r.Accel.Y, r.Accel.Z}, TS: helpers.UnixMilli(r.Accel.At)}
	}
	if r.GPS != nil {
		v := encodeSample(*r.GPS)
		rep.GPS = &v
	}
	if r.Device != nil {
		rep.Device = &wireValue{
			V:  wireDevice{IMEI: r.Device.IMEI, AppVersion: r.Device.AppVersion},
			TS: helpers.UnixMilli(r.Device.At),
		}
	}
	b, err := json.Marshal(u)
	return b, errors.Annotate(err, "encode shadow update")
}

func (JSON) EncodeBatch(ss []ring.Sample) ([]byte, error) {
	if len(ss) == 0 {
		return nil, errors.NotValidf("empty batch")
	}
	b := wireBatch{GPS: make([]wireValue, len(ss))}
	for i, s := range ss {
		b.GPS[i] = encodeSample(s)
	}
	out, err := json.Marshal(b)
	return out, errors.Annotate(err, "encode batch")
}

// DecodeShadowMessage accepts delta {"state":{"cfg":{}}},
// get response {"state":{"desired":{"cfg":{}}}} or {"cfg":{}}, or bare cfg object.
func (JSON) DecodeShadowMessage(payload []byte) (shadow.Delta, error) {
	var env struct {
		State *struct {
			Config  *wireConfig `json:"cfg"`
			Desired *struct {
				Config *wireConfig `json:"cfg"`
			} `json:"desired"`
		} `json:"state"`
		Config *wireConfig `json:"cfg"`
	}
	if err := unmarshal(payload, &env); err != nil {
		return shadow.Delta{}, err
	}
	var wc *wireConfig
	switch {
	case env.State != nil && env.State.Config != nil:
		wc = env.State.Config
	case env.State != nil && env.State.Desired != nil && env.State.Desired.Config != nil:
		wc = env.State.Desired.Config
	case env.State != nil:
		// delta without cfg section
		return shadow.Delta{}, nil
	case env.Config != nil:
		wc = env.Config
	default:
		wc = &wireConfig{}
		if err := unmarshal(payload, wc); err != nil {
			return shadow.Delta{}, err
		}
	}
	return decodeConfig(wc)
}

func unmarshal(b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Annotatef(shadow.ErrDecode, "json: %v", err)
	}
	return nil
}

func encodeConfig(c shadow.Config) *wireConfig {
	active := c.Mode == shadow.ModeActive
	seconds := func(d time.Duration) *float64 { f := math.Round(d.Seconds()); return &f }
	acct := float64(c.AccelThreshold) / 10
	return &wireConfig{
		Active:          &active,
		ActiveWait:      seconds(c.ActiveWait),
		PassiveWait:     seconds(c.PassiveWait),
		MovementTimeout: seconds(c.MovementTimeout),
		GPSTimeout:      seconds(c.GPSTimeout),
		AccelThreshold:  &acct,
	}
}

// largest whole seconds that fit time.Duration
const maxWireSeconds = float64(math.MaxInt64 / int64(time.Second))

func decodeConfig(wc *wireConfig) (shadow.Delta, error) {
	var d shadow.Delta
	if wc.Active != nil {
		m := shadow.ModePassive
		if *wc.Active {
			m = shadow.ModeActive
		}
		d.Mode = &m
	}
	for _, f := range []struct {
		name string
		src  *float64
		dst  **time.Duration
	}{
		{"actwt", wc.ActiveWait, &d.ActiveWait},
		{"mvres", wc.PassiveWait, &d.PassiveWait},
		{"mvt", wc.MovementTimeout, &d.MovementTimeout},
		{"gpst", wc.GPSTimeout, &d.GPSTimeout},
	} {
		if f.src == nil {
			continue
		}
		if *f.src < 0 {
			return shadow.Delta{}, errors.Annotatef(shadow.ErrDecode, "%s=%v negative", f.name, *f.src)
		}
		if math.Round(*f.src) > maxWireSeconds {
			return shadow.Delta{}, errors.Annotatef(shadow.ErrDecode, "%s=%v too large", f.name, *f.src)
		}
		v := time.Duration(math.Round(*f.src)) * time.Second
		*f.dst = &v
	}
	if wc.AccelThreshold != nil {
		if *wc.AccelThreshold < 0 {
			return shadow.Delta{}, errors.Annotatef(shadow.ErrDecode, "acct=%v negative", *wc.AccelThreshold)
		}
		if math.Round(*wc.AccelThreshold*10) > math.MaxInt32 {
			return shadow.Delta{}, errors.Annotatef(shadow.ErrDecode, "acct=%v too large", *wc.AccelThreshold)
		}
		raw := int(math.Round(*wc.AccelThreshold * 10))
		d.AccelThreshold = &raw
	}
	return d, nil
}

func encodeSample(s ring.Sample) wireValue {
	return wireValue{
		V: wireGPS{
			Longitude: s.Longitude,
			Latitude:  s.Latitude,
			Accuracy:  s.Accuracy,
			Altitude:  s.Altitude,
			Speed:     s.Speed,
			Heading:   s.Heading,
		},
		TS: helpers.UnixMilli(s.CapturedAt),
	}
}
