// Package topics derives the device shadow topic namespace from identity.
//
// Example with prefix "$aws/things/" and identity "123456789012345":
//
//	$aws/things/123456789012345/shadow/update
package topics

import (
	"fmt"

	"github.com/bifravst/cloudsync/cloud/identity"
	"github.com/juju/errors"
)

const (
	DefaultPrefix      = "$aws/things/"
	DefaultIdentityLen = 15 // IMEI
)

const (
	suffixShadowBase        = "/shadow"
	suffixShadowGet         = "/shadow/get"
	suffixShadowGetAccepted = "/shadow/get/accepted/desired/cfg"
	suffixShadowGetRejected = "/shadow/get/rejected"
	suffixShadowUpdateDelta = "/shadow/update/delta"
	suffixShadowUpdate      = "/shadow/update"
	suffixBatch             = "/batch"
)

var (
	ErrIdentityUnavailable = errors.New("identity unavailable")
	ErrBufferTooSmall      = errors.New("topic exceeds reserved length")
)

type Namespace struct {
	Prefix      string
	IdentityLen int
}

func DefaultNamespace() Namespace {
	return Namespace{Prefix: DefaultPrefix, IdentityLen: DefaultIdentityLen}
}

// Set is immutable after Build.
type Set struct {
	Identity          string
	ShadowBase        string
	ShadowGet         string
	ShadowGetAccepted string
	ShadowGetRejected string
	ShadowUpdate      string
	ShadowUpdateDelta string
	Batch             string
}

// Subscriptions lists inbound topics, subscribed together at connect.
func (s Set) Subscriptions() []string {
	return []string{s.ShadowGetAccepted, s.ShadowGetRejected, s.ShadowUpdateDelta}
}

func (ns Namespace) BuildFrom(get identity.Func) (Set, error) {
	id, err := get()
	if err != nil {
		return Set{}, errors.Annotate(ErrIdentityUnavailable, err.Error())
	}
	return ns.Build(id)
}

func (ns Namespace) Build(id string) (Set, error) {
	if id == "" {
		return Set{}, ErrIdentityUnavailable
	}
	s := Set{Identity: id}
	for _, t := range []struct {
		dst    *string
		suffix string
	}{
		{&s.ShadowBase, suffixShadowBase},
		{&s.ShadowGet, suffixShadowGet},
		{&s.ShadowGetAccepted, suffixShadowGetAccepted},
		{&s.ShadowGetRejected, suffixShadowGetRejected},
		{&s.ShadowUpdate, suffixShadowUpdate},
		{&s.ShadowUpdateDelta, suffixShadowUpdateDelta},
		{&s.Batch, suffixBatch},
	} {
		topic, err := ns.format(id, t.suffix)
		if err != nil {
			return Set{}, err
		}
		*t.dst = topic
	}
	return s, nil
}

// MaxLen is reserved length of topic with given suffix.
func (ns Namespace) MaxLen(suffix string) int {
	return len(ns.Prefix) + ns.IdentityLen + len(suffix)
}

func (ns Namespace) format(id, suffix string) (string, error) {
	topic := fmt.Sprintf("%s%s%s", ns.Prefix, id, suffix)
	if max := ns.MaxLen(suffix); len(topic) > max {
		return "", errors.Annotatef(ErrBufferTooSmall, "topic=%s len=%d max=%d", topic, len(topic), max)
	}
	return topic, nil
}
