package conn

import "github.com/juju/errors"

var (
	ErrConnectionExhausted = errors.New("connection attempts exhausted")
	ErrNotConnected        = errors.New("not connected")
	ErrPayloadTooLarge     = errors.New("inbound payload too large")
	ErrPublishFailed       = errors.New("publish failed")
	ErrIOTimeout           = errors.Timeoutf("mqtt io")
)
