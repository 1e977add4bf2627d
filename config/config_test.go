package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "ANARI Tutorial", cfg.Window.Title)
	assert.Equal(t, int32(640), cfg.Window.Width)
	assert.Equal(t, int32(480), cfg.Window.Height)
	assert.Equal(t, "environment", cfg.Backend.Library)
	assert.Equal(t, "default", cfg.Backend.Device)
	assert.Equal(t, [2]uint32{1024, 768}, cfg.Backend.ReferenceSize)
	assert.False(t, cfg.SaveImages)
	assert.Zero(t, cfg.Frames)
	require.NoError(t, cfg.Validate())
}

func TestParseFlags(t *testing.T) {
	var out bytes.Buffer
	cfg, err := Parse([]string{"--save-images", "--frames", "12", "--diagnostics"}, &out)
	require.NoError(t, err)
	assert.True(t, cfg.SaveImages)
	assert.True(t, cfg.Diagnostics)
	assert.Equal(t, 12, cfg.Frames)
	assert.Empty(t, out.String())
}

func TestParseHelp(t *testing.T) {
	var out bytes.Buffer
	_, err := Parse([]string{"-h"}, &out)
	assert.True(t, errors.Is(err, ErrHelp))
	assert.Contains(t, out.String(), "--save-images")
}

func TestParseUnrecognized(t *testing.T) {
	var out bytes.Buffer
	_, err := Parse([]string{"--fullscreen"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "Unrecognized option: --fullscreen")
}

func TestParseBadFrames(t *testing.T) {
	_, err := Parse([]string{"--frames", "many"}, &bytes.Buffer{})
	require.Error(t, err)

	_, err = Parse([]string{"--frames"}, &bytes.Buffer{})
	require.Error(t, err)

	_, err = Parse([]string{"--frames", "-2"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
frames = 5

[window]
title = "Quad"
width = 320

[backend]
library = "helide"
reference_size = [800, 600]
`), 0o644))

	cfg, err := Parse([]string{"--config", path, "--save-images"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "Quad", cfg.Window.Title)
	assert.Equal(t, int32(320), cfg.Window.Width)
	assert.Equal(t, int32(480), cfg.Window.Height)
	assert.Equal(t, 5, cfg.Frames)
	assert.True(t, cfg.SaveImages)

	sessionCfg := cfg.Session()
	assert.Equal(t, "helide", sessionCfg.Library)
	assert.Equal(t, "default", sessionCfg.Device)
	assert.Equal(t, [2]uint32{800, 600}, sessionCfg.ReferenceSize)
	assert.Equal(t, float32(1), sessionCfg.AmbientRadiance)
}

func TestConfigFileErrors(t *testing.T) {
	_, err := Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}, &bytes.Buffer{})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[window\n"), 0o644))
	_, err = Parse([]string{"--config", path}, &bytes.Buffer{})
	require.Error(t, err)

	_, err = Parse([]string{"--config"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestValidateRejectsZeroWindow(t *testing.T) {
	cfg := Default()
	cfg.Window.Width = 0
	require.Error(t, cfg.Validate())
}
