package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/gogpu/framesched/balance"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

func decodeBMP(t *testing.T, path string) (w, h int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := bmp.Decode(f)
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestRun_WritesImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bmp")
	out, err := execute(t,
		"--width", "96", "--height", "64", "--frames", "3",
		"--tile-size", "16x16", "--strategy", "cyclic",
		"--workers", "3", "--check-coverage", "--label",
		"--output", path,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "3 frames of 96x64")
	assert.Contains(t, out, "72 tiles rendered")
	assert.Contains(t, out, "cyclic")

	w, h := decodeBMP(t, path)
	assert.Equal(t, 96, w)
	assert.Equal(t, 64, h)
}

func TestRun_ScaledOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.bmp")
	_, err := execute(t,
		"--width", "64", "--height", "48", "--frames", "1",
		"--output", path, "--output-scale", "0.5",
	)
	require.NoError(t, err)

	w, h := decodeBMP(t, path)
	assert.Equal(t, 32, w)
	assert.Equal(t, 24, h)
}

func TestRun_Cluster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.bmp")
	out, err := execute(t,
		"--nodes", "2", "--workers", "2", "--frames", "2",
		"--width", "80", "--height", "48", "--tile-size", "16x16",
		"--output", path,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "30 tiles rendered")
	assert.Contains(t, out, "rank 0")
	assert.Contains(t, out, "rank 2")
	assert.Contains(t, out, "distributed")

	w, h := decodeBMP(t, path)
	assert.Equal(t, 80, w)
	assert.Equal(t, 48, h)
}

func TestRun_UnknownStrategy(t *testing.T) {
	_, err := execute(t, "--strategy", "bogus", "--frames", "1", "--width", "8", "--height", "8")
	require.ErrorIs(t, err, balance.ErrUnknown)
}

func TestRun_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero-width", []string{"--width", "0"}},
		{"negative-frames", []string{"--frames", "-1"}},
		{"bad-tile-size", []string{"--tile-size", "big"}},
		{"bad-log-level", []string{"--log-level", "loud"}},
		{"zero-zoom", []string{"--zoom", "0"}},
		{"extra-args", []string{"frames"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
		})
	}
}

func TestRun_Environment(t *testing.T) {
	t.Setenv("FRAMEDEMO_FRAMES", "2")
	t.Setenv("FRAMEDEMO_TILE_SIZE", "8x8")
	out, err := execute(t, "--width", "16", "--height", "16")
	require.NoError(t, err)
	assert.Contains(t, out, "2 frames of 16x16")
	assert.Contains(t, out, "8 tiles rendered")
}

func TestRun_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framedemo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frames: 1\nwidth: 32\nheight: 32\nstrategy: simple\n"), 0o600))

	out, err := execute(t, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 frames of 32x32")
	assert.Contains(t, out, "simple")
}

func TestScene(t *testing.T) {
	assert.Equal(t, maxIter, escape(0, 0), "origin is inside the set")
	assert.Less(t, escape(2, 2), 3)
	assert.Equal(t, uint8(0xFF), palette(0).A)
	assert.Equal(t, palette(maxIter).R, uint8(0))

	s := newScene(10, 10)
	assert.Equal(t, 1.0, s.zoom.Get())
	s.zoomBy(0.5).Apply()
	assert.Equal(t, 0.5, s.zoom.Get())
}
