// Package console is interactive bench tool: feed sensor values and run cycles by hand.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bifravst/cloudsync/cloud"
	"github.com/bifravst/cloudsync/cloud/ring"
	"github.com/bifravst/cloudsync/cmd/cloudsync/subcmd"
	"github.com/bifravst/cloudsync/config"
	"github.com/bifravst/cloudsync/helpers/cli"
	"github.com/bifravst/cloudsync/log2"
	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "interactive prompt, see `help`", Main: Main}

const usage = `commands:
- pair                       run pair cycle
- report                     run report cycle
- gps LAT LNG [ACC [ALT]]    attach position sample
- bat MILLIVOLT              attach battery reading
- acc X Y Z                  attach acceleration
- found on|off               set GPS fix flag
- status                     show shadow config and queue
`

// Syncer is cloud.Cloud as used by console.
type Syncer interface {
	cloud.Syncer
	PendingCount() int
}

func Main(ctx context.Context, log *log2.Log, config *config.Config) error {
	synthConfig := config.Cloud
	synthConfig.Enabled = true
	synthConfig.LogDebug = true
	c := &cloud.Cloud{}
	if err := c.Init(ctx, log, synthConfig); err != nil {
		return errors.Annotate(err, "cloud init")
	}
	log.Debugf("console ready identity=%s", c.Topics().Identity)

	con := &console{ctx: ctx, log: log, syncer: c, out: os.Stdout}
	cli.MainLoop(modName, con.executor(), newCompleter(), c.Close)
	c.Close()
	return nil
}

type console struct {
	ctx    context.Context
	log    *log2.Log
	syncer Syncer
	out    io.Writer
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "pair", Description: "run pair cycle"},
		{Text: "report", Description: "run report cycle"},
		{Text: "gps", Description: "LAT LNG [ACC [ALT]]"},
		{Text: "bat", Description: "MILLIVOLT"},
		{Text: "acc", Description: "X Y Z"},
		{Text: "found", Description: "on|off"},
		{Text: "status"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func (self *console) executor() func(string) {
	return func(line string) {
		if err := self.exec(line); err != nil {
			self.log.Error(errors.ErrorStack(err))
		}
	}
}

func (self *console) exec(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]
	switch cmd {
	case "help", "?":
		fmt.Fprint(self.out, usage)

	case "pair":
		return self.syncer.RunCycle(self.ctx, cloud.ActionPair)

	case "report":
		return self.syncer.RunCycle(self.ctx, cloud.ActionReport)

	case "gps":
		fs, err := parseFloats(args, 2, 4)
		if err != nil {
			return errors.Annotate(err, cmd)
		}
		s := ring.Sample{Latitude: fs[0], Longitude: fs[1]}
		if len(fs) > 2 {
			s.Accuracy = fs[2]
		}
		if len(fs) > 3 {
			s.Altitude = fs[3]
		}
		id := self.syncer.AttachPosition(s)
		fmt.Fprintf(self.out, "sample id=%d pending=%d\n", id, self.syncer.PendingCount())

	case "bat":
		if len(args) != 1 {
			return errors.NotValidf("bat expects 1 argument")
		}
		mv, err := strconv.Atoi(args[0])
		if err != nil || mv < 0 {
			return errors.NotValidf("bat millivolt=%s", args[0])
		}
		self.syncer.AttachBattery(mv)

	case "acc":
		fs, err := parseFloats(args, 3, 3)
		if err != nil {
			return errors.Annotate(err, cmd)
		}
		self.syncer.AttachAcceleration(fs[0], fs[1], fs[2])

	case "found":
		if len(args) != 1 {
			return errors.NotValidf("found expects on|off")
		}
		switch args[0] {
		case "on", "1", "true":
			self.syncer.SetGPSFound(true)
		case "off", "0", "false":
			self.syncer.SetGPSFound(false)
		default:
			return errors.NotValidf("found=%s", args[0])
		}

	case "status":
		fmt.Fprintf(self.out, "conn=%s mode=%s interval=%v gpst=%v mvt=%v acct=%.1f pending=%d\n",
			self.syncer.ConnState(), self.syncer.Mode(), self.syncer.ReportingInterval(),
			self.syncer.GPSTimeout(), self.syncer.MovementTimeout(), self.syncer.AccelThreshold(),
			self.syncer.PendingCount())

	default:
		return errors.NotValidf("command=%s, try help", cmd)
	}
	return nil
}

func parseFloats(args []string, min, max int) ([]float64, error) {
	if len(args) < min || len(args) > max {
		return nil, errors.NotValidf("arguments count=%d expected %d..%d", len(args), min, max)
	}
	result := make([]float64, len(args))
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, errors.NotValidf("argument %d='%s'", i+1, a)
		}
		result[i] = f
	}
	return result, nil
}
