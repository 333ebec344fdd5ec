package cloud

import "github.com/juju/errors"

var ErrCycleInProgress = errors.New("cloud cycle already in progress")
