package run

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/bifravst/cloudsync/cloud"
	"github.com/bifravst/cloudsync/cloud/ring"
	"github.com/bifravst/cloudsync/helpers"
	"github.com/bifravst/cloudsync/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/temoto/alive/v2"
)

type fakeSyncer struct {
	cloud.Noop
	a         *alive.Alive
	actions   []cloud.Action
	positions []ring.Sample
	battery   int
	gpsFound  bool
}

func (f *fakeSyncer) RunCycle(ctx context.Context, action cloud.Action) error {
	f.actions = append(f.actions, action)
	switch len(f.actions) {
	case 1:
		return errors.New("network unreachable")
	case 3:
		f.a.Stop()
	}
	return nil
}

func (f *fakeSyncer) ReportingInterval() time.Duration { return time.Millisecond }

func (f *fakeSyncer) AttachPosition(s ring.Sample) uint64 {
	f.positions = append(f.positions, s)
	return uint64(len(f.positions))
}

func (f *fakeSyncer) AttachBattery(mv int) { f.battery = mv }

func (f *fakeSyncer) SetGPSFound(found bool) { f.gpsFound = found }

func TestLoop(t *testing.T) {
	t.Parallel()

	a := alive.NewAlive()
	fs := &fakeSyncer{a: a}
	l := &loop{
		log:    log2.NewTest(t, log2.LDebug),
		syncer: fs,
		source: newDemoSource(fs, rand.New(rand.NewSource(1))),
		idle:   time.Hour,
	}
	done := make(chan struct{})
	go func() {
		l.run(context.Background(), a)
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, []cloud.Action{cloud.ActionPair, cloud.ActionPair, cloud.ActionReport}, fs.actions)
	assert.Len(t, fs.positions, 3)
	assert.True(t, fs.gpsFound)
}

func TestLoopParentDone(t *testing.T) {
	t.Parallel()

	a := alive.NewAlive()
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{log: log2.NewTest(t, log2.LDebug), syncer: cloud.Noop{}, idle: time.Hour}
	go helpers.AliveSub(ctx, a)
	done := make(chan struct{})
	go func() {
		l.run(ctx, a)
		a.Wait()
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after parent done")
	}
}

func TestLoopWait(t *testing.T) {
	t.Parallel()

	l := &loop{
		syncer: cloud.Noop{},
		idle:   7 * time.Second,
		retry:  helpers.Backoff{Min: 2 * time.Second, Max: 5 * time.Second, K: 2, Res: time.Second},
	}
	assert.Equal(t, 7*time.Second, l.wait(false))
	assert.Equal(t, 2*time.Second, l.wait(true))
	assert.Equal(t, 4*time.Second, l.wait(true))
	assert.Equal(t, 5*time.Second, l.wait(true), "limited by max")
	assert.Equal(t, 7*time.Second, l.wait(false))
	assert.Equal(t, 2*time.Second, l.wait(true), "reset after success")

	l.syncer = &fakeSyncer{}
	assert.Equal(t, time.Millisecond, l.wait(false))
	assert.Equal(t, time.Millisecond, l.wait(true), "retry limited by reporting interval")
}

func TestDemoSource(t *testing.T) {
	t.Parallel()

	fs := &fakeSyncer{}
	src := newDemoSource(fs, rand.New(rand.NewSource(42)))
	prevBattery := 4200
	for i := 1; i <= 100; i++ {
		s := src.Tick()
		assert.Equal(t, uint64(i), s.ID)
		assert.InDelta(t, 63.42, s.Latitude, 0.5)
		assert.InDelta(t, 10.44, s.Longitude, 1)
		assert.True(t, s.Heading >= 0 && s.Heading < 360, "heading=%v", s.Heading)
		assert.True(t, fs.battery <= prevBattery)
		prevBattery = fs.battery
	}
}
