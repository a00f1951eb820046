package cli

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/packdock/internal/config"
)

func TestIsolationValue(t *testing.T) {
	var v isolationValue
	require.NoError(t, v.Set(" Process "))
	assert.Equal(t, string(config.IsolationProcess), v.String())
	assert.Equal(t, "isolation", v.Type())

	assert.Error(t, v.Set("container"))
	assert.Equal(t, string(config.IsolationProcess), v.String(), "a rejected value leaves the flag unchanged")
}

func TestChangedInt(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("max-per-folder", 0, "")
	fs.String("name", "", "")

	_, ok, err := changedInt(fs, "max-per-folder")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.Parse([]string{"--max-per-folder", "3", "--name", "x"}))
	n, ok, err := changedInt(fs, "max-per-folder")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok, err = changedInt(fs, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = changedInt(fs, "name")
	assert.Error(t, err)
}
