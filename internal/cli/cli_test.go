package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	out := &bytes.Buffer{}
	config, shouldExit, err := Parse([]string{"-device", "falcon", "descriptors/"}, out)
	require.NoError(t, err)
	require.False(t, shouldExit)

	assert.Equal(t, "descriptors/", config.DescriptorPath)
	assert.Equal(t, "falcon", config.Device)
	assert.Equal(t, "release", config.BuildVariant)
	assert.Equal(t, "out", config.OutDir)
	assert.Equal(t, "gcc", config.CC)
	assert.Equal(t, "g++", config.CXX)
	assert.Equal(t, "strip", config.StripTool)
	assert.Greater(t, config.Workers, 0)
	assert.False(t, config.FailFast)
	assert.False(t, config.Overwrite)
}

func TestParse_DescriptorFlagWinsOverPositional(t *testing.T) {
	out := &bytes.Buffer{}
	config, _, err := Parse([]string{"-device", "falcon", "-descriptors", "a/", "b/"}, out)
	require.NoError(t, err)
	assert.Equal(t, "a/", config.DescriptorPath)
}

func TestParse_ModuleList(t *testing.T) {
	out := &bytes.Buffer{}
	config, _, err := Parse([]string{"-device", "falcon", "-module", "updater, libfoo ,", "d/"}, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"updater", "libfoo"}, config.Modules)
}

func TestParse_NoPathPrintsUsage(t *testing.T) {
	out := &bytes.Buffer{}
	_, shouldExit, err := Parse([]string{"-device", "falcon"}, out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing device", []string{"d/"}, "missing required -device flag"},
		{"bad log format", []string{"-device", "x", "-log-format", "xml", "d/"}, "invalid log-format"},
		{"bad log level", []string{"-device", "x", "-log-level", "loud", "d/"}, "invalid log-level"},
		{"unknown flag", []string{"--nope", "d/"}, "flag provided but not defined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			_, _, err := Parse(tc.args, out)
			require.Error(t, err)
			exitErr, ok := err.(*ExitError)
			require.True(t, ok)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.want)
		})
	}
}

func TestParse_Help(t *testing.T) {
	out := &bytes.Buffer{}
	_, shouldExit, err := Parse([]string{"-h"}, out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
}
