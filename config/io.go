package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// FullReader resolves and reads config sources, OS files or in-memory for tests.
type FullReader interface {
	Normalize(name string) string
	// ReadAll returns nil,nil for missing source.
	ReadAll(name string) ([]byte, error)
}

// OsFullReader resolves relative includes against base, usually main config directory.
type OsFullReader struct {
	base string
}

func NewOsFullReader() *OsFullReader { return &OsFullReader{} }

func (self *OsFullReader) SetBase(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errors.Annotatef(err, "config base=%s", dir)
	}
	self.base = abs
	return nil
}

func (self *OsFullReader) Normalize(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(self.base, name)
}

func (self *OsFullReader) ReadAll(name string) ([]byte, error) {
	b, err := ioutil.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, errors.Annotatef(err, "config read %s", name)
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (self *MockFullReader) Normalize(name string) string { return filepath.Clean(name) }

func (self *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := self.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
