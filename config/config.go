// Package config reads HCL configuration with include support.
package config

import (
	"path/filepath"
	"sync"

	cloud_config "github.com/bifravst/cloudsync/cloud/config"
	"github.com/bifravst/cloudsync/helpers"
	"github.com/bifravst/cloudsync/log2"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

type Config struct {
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Cloud cloud_config.Config `hcl:"cloud"`

	Run struct {
		// pause between cycles when position source is idle
		IdleSec int `hcl:"idle_sec"`
		// synthetic position source for bench testing without GNSS
		DemoPosition bool `hcl:"demo_position"`
	} `hcl:"run"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// loader applies sources to one Config in order, depth first through includes.
type loader struct {
	log  *log2.Log
	fs   FullReader
	c    *Config
	seen map[string]struct{} // normalized paths
	errs []error
}

func (self *loader) load(source ConfigSource, from string) {
	path := self.fs.Normalize(source.Name)
	if _, ok := self.seen[path]; ok {
		if from == "" {
			self.fail(errors.Errorf("config duplicate source=%s", source.Name))
		} else {
			self.fail(errors.Errorf("config include loop: from=%s include=%s", from, source.Name))
		}
		return
	}
	self.seen[path] = struct{}{}
	self.log.Debugf("config source=%s path=%s", source.Name, path)

	b, err := self.fs.ReadAll(path)
	switch {
	case err != nil:
		self.fail(errors.Annotatef(err, "config source=%s", source.Name))
		return
	case b == nil && source.Optional:
		self.log.Debugf("config optional source=%s not found", source.Name)
		return
	case b == nil:
		self.fail(errors.NotFoundf("config required name=%s path=%s", source.Name, path))
		return
	}

	if err = hcl.Unmarshal(b, self.c); err != nil {
		self.fail(errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}
	includes := self.c.XXX_Include
	self.c.XXX_Include = nil
	for _, include := range includes {
		self.load(include, source.Name)
	}
}

func (self *loader) fail(err error) { self.errs = append(self.errs, err) }

// ReadConfig reads names in order, later sources overwrite earlier values.
// Relative paths resolve against directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}
	names = append([]string(nil), names...)
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}

	l := &loader{log: log, fs: fs, c: &Config{}, seen: make(map[string]struct{})}
	for _, name := range names {
		l.load(ConfigSource{Name: name}, "")
	}
	if len(l.errs) == 0 {
		if err := l.c.Cloud.Validate(); err != nil {
			l.fail(err)
		}
	}
	return l.c, helpers.FoldErrors(l.errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
