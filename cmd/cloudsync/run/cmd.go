package run

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bifravst/cloudsync/cloud"
	"github.com/bifravst/cloudsync/cmd/cloudsync/subcmd"
	"github.com/bifravst/cloudsync/config"
	"github.com/bifravst/cloudsync/helpers"
	"github.com/bifravst/cloudsync/log2"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const defaultIdle = 10 * time.Second

const (
	retryMin = 5 * time.Second
	retryMax = 5 * time.Minute
)

var Mod = subcmd.Mod{Name: "run", Usage: "sync loop: pair once, then report every reporting interval", Main: Main}

func Main(ctx context.Context, log *log2.Log, config *config.Config) error {
	a := alive.NewAlive()
	syncer, err := cloud.New(ctx, log, config.Cloud)
	if err != nil {
		return errors.Annotate(err, "cloud init")
	}
	defer syncer.Close()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signalCh
		log.Infof("signal=%v stopping", s)
		subcmd.SdNotify(daemon.SdNotifyStopping)
		a.Stop()
	}()

	var source *demoSource
	if config.Run.DemoPosition {
		source = newDemoSource(syncer, rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	l := &loop{
		log:    log,
		syncer: syncer,
		source: source,
		idle:   helpers.IntSecondDefault(config.Run.IdleSec, defaultIdle),
		retry:  helpers.Backoff{Min: retryMin, Max: retryMax, K: 2, Res: time.Second},
	}
	if watchdog, _ := daemon.SdWatchdogEnabled(false); watchdog > 0 {
		l.watchdog = true
	}

	go helpers.AliveSub(ctx, a)
	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Debugf("run init complete")
	l.run(ctx, a)
	a.Wait()
	return nil
}

type loop struct {
	log      *log2.Log
	syncer   cloud.Syncer
	source   *demoSource
	idle     time.Duration
	retry    helpers.Backoff
	watchdog bool
}

// run cycles until a is stopped. Pair repeats until first success.
func (self *loop) run(ctx context.Context, a *alive.Alive) {
	if !a.Add(1) {
		return
	}
	defer a.Done()
	ctx, cancel := helpers.AliveContext(ctx, a)
	defer cancel()

	stopCh := a.StopChan()
	action := cloud.ActionPair
	for a.IsRunning() {
		if self.source != nil {
			self.source.Tick()
		}
		if self.watchdog {
			subcmd.SdNotify(daemon.SdNotifyWatchdog)
		}
		err := self.syncer.RunCycle(ctx, action)
		switch {
		case err == nil:
			action = cloud.ActionReport
		case errors.Cause(err) == context.Canceled:
		default:
			self.log.Errorf("cycle action=%s err=%v", action, err)
		}

		wait := self.wait(err != nil)
		self.log.Debugf("next cycle action=%s in %v", action, wait)
		select {
		case <-stopCh:
		case <-time.After(wait):
		}
	}
}

// wait is reporting interval, shorter after failed cycle.
func (self *loop) wait(failed bool) time.Duration {
	interval := self.idle
	if _, ok := self.syncer.(cloud.Noop); !ok {
		if d := self.syncer.ReportingInterval(); d > 0 {
			interval = d
		}
	}
	if !failed {
		self.retry.Reset()
		return interval
	}
	if d := self.retry.DelayAfter(false); d < interval {
		return d
	}
	return interval
}
