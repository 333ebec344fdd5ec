// Package identity provides the device identity (IMEI for cellular trackers)
// used as MQTT client id and topic namespace.
package identity

import (
	"io/ioutil"
	"strings"

	"github.com/juju/errors"
)

type Func func() (string, error)

func Static(id string) Func {
	return func() (string, error) {
		if id == "" {
			return "", errors.NotFoundf("identity")
		}
		return id, nil
	}
}

// File reads identity cached by modem tooling, surrounding whitespace ignored.
func File(path string) Func {
	return func() (string, error) {
		b, err := ioutil.ReadFile(path)
		if err != nil {
			return "", errors.Annotatef(err, "identity file=%s", path)
		}
		id := strings.TrimSpace(string(b))
		if id == "" {
			return "", errors.NotFoundf("identity in file=%s", path)
		}
		return id, nil
	}
}

// FromConfig prefers explicit identity string over file.
func FromConfig(id, path string) Func {
	if id == "" && path != "" {
		return File(path)
	}
	return Static(id)
}
