package cloud

import (
	"context"
	"fmt"
	"time"

	cloud_config "github.com/bifravst/cloudsync/cloud/config"
	"github.com/bifravst/cloudsync/cloud/conn"
	"github.com/bifravst/cloudsync/cloud/ring"
	"github.com/bifravst/cloudsync/cloud/shadow"
	"github.com/bifravst/cloudsync/log2"
)

type Action uint8

const (
	ActionPair Action = iota + 1
	ActionReport
)

func (a Action) String() string {
	switch a {
	case ActionPair:
		return "pair"
	case ActionReport:
		return "report"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Syncer is cloud sync engine as seen by device scheduler and sensor drivers.
// Attach* and getters are safe to call concurrently with RunCycle.
type Syncer interface {
	Init(context.Context, *log2.Log, cloud_config.Config) error
	Close()
	RunCycle(context.Context, Action) error

	AttachPosition(ring.Sample) uint64
	AttachBattery(millivolt int)
	AttachAcceleration(x, y, z float64)
	SetGPSFound(bool)

	Mode() shadow.Mode
	ReportingInterval() time.Duration
	GPSTimeout() time.Duration
	MovementTimeout() time.Duration
	AccelThreshold() float64
	ConnState() conn.State
}

type Noop struct{}

var _ Syncer = Noop{} // compile-time interface test

func (Noop) Init(context.Context, *log2.Log, cloud_config.Config) error { return nil }

func (Noop) Close() {}

func (Noop) RunCycle(context.Context, Action) error { return nil }

func (Noop) AttachPosition(ring.Sample) uint64 { return 0 }

func (Noop) AttachBattery(int) {}

func (Noop) AttachAcceleration(x, y, z float64) {}

func (Noop) SetGPSFound(bool) {}

func (Noop) Mode() shadow.Mode { return shadow.DefaultConfig().Mode }

func (Noop) ReportingInterval() time.Duration { return shadow.DefaultConfig().ActiveWait }

func (Noop) GPSTimeout() time.Duration { return shadow.DefaultConfig().GPSTimeout }

func (Noop) MovementTimeout() time.Duration { return shadow.DefaultConfig().MovementTimeout }

func (Noop) AccelThreshold() float64 { return float64(shadow.DefaultConfig().AccelThreshold) / 10 }

func (Noop) ConnState() conn.State { return conn.Disconnected }

// New returns Noop when cloud is disabled.
func New(ctx context.Context, log *log2.Log, config cloud_config.Config) (Syncer, error) {
	if !config.Enabled {
		return Noop{}, nil
	}
	c := &Cloud{}
	if err := c.Init(ctx, log, config); err != nil {
		return nil, err
	}
	return c, nil
}
