// Package codec converts shadow state and position samples to cloud wire format and back.
package codec

import (
	"time"

	"github.com/bifravst/cloudsync/cloud/ring"
	"github.com/bifravst/cloudsync/cloud/shadow"
)

type Codec interface {
	EncodeShadowUpdate(Report) ([]byte, error)
	EncodeBatch([]ring.Sample) ([]byte, error)
	DecodeShadowMessage([]byte) (shadow.Delta, error)
}

type DeviceInfo struct {
	IMEI       string
	AppVersion string
	At         time.Time
}

// Report is one shadow update, nil section is omitted from payload.
type Report struct {
	Config  *shadow.Config
	Battery *shadow.Battery
	Accel   *shadow.Accel
	GPS     *ring.Sample
	Device  *DeviceInfo
}

func (r Report) Empty() bool {
	return r.Config == nil && r.Battery == nil && r.Accel == nil && r.GPS == nil && r.Device == nil
}
