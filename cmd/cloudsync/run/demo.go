package run

import (
	"math"
	"math/rand"

	"github.com/bifravst/cloudsync/cloud"
	"github.com/bifravst/cloudsync/cloud/ring"
)

// demoSource is synthetic random walk position and battery drain,
// for bench testing without GNSS receiver.
type demoSource struct {
	syncer  cloud.Syncer
	rand    *rand.Rand
	lat     float64
	lng     float64
	heading float64
	battery int
}

func newDemoSource(syncer cloud.Syncer, r *rand.Rand) *demoSource {
	return &demoSource{
		syncer:  syncer,
		rand:    r,
		lat:     63.4215,
		lng:     10.4375,
		battery: 4200,
	}
}

func (self *demoSource) Tick() ring.Sample {
	self.heading = math.Mod(self.heading+self.rand.Float64()*60-30+360, 360)
	speed := self.rand.Float64() * 15 // m/s
	// ~111km per degree latitude
	step := speed * 10 / 111000
	rad := self.heading * math.Pi / 180
	self.lat += step * math.Cos(rad)
	self.lng += step * math.Sin(rad) / math.Cos(self.lat*math.Pi/180)
	if self.battery > 3300 {
		self.battery -= self.rand.Intn(3)
	}

	s := ring.Sample{
		Latitude:  self.lat,
		Longitude: self.lng,
		Altitude:  40 + self.rand.Float64()*5,
		Accuracy:  3 + self.rand.Float64()*7,
		Speed:     speed,
		Heading:   self.heading,
	}
	s.ID = self.syncer.AttachPosition(s)
	self.syncer.AttachBattery(self.battery)
	self.syncer.AttachAcceleration(self.rand.NormFloat64()*0.1, self.rand.NormFloat64()*0.1, 9.81)
	self.syncer.SetGPSFound(true)
	return s
}
