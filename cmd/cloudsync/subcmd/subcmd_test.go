package subcmd

import (
	"context"
	"testing"

	"github.com/bifravst/cloudsync/config"
	"github.com/bifravst/cloudsync/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	main := func(context.Context, *log2.Log, *config.Config) error { return nil }
	mods := []Mod{{Name: "run", Main: main}, {Name: "console", Main: main}}

	m, err := Parse("console", mods)
	require.NoError(t, err)
	assert.Equal(t, "console", m.Name)

	_, err = Parse("", mods)
	assert.EqualError(t, err, "empty command, expected one of: run,console")
	_, err = Parse("pair", mods)
	assert.EqualError(t, err, "unknown command='pair', expected one of: run,console")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{Main: main}}) })
}
