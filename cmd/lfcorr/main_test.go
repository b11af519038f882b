package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/lightfield/appconfig"
	"github.com/stevecastle/lightfield/correspond"
	"github.com/stevecastle/lightfield/lightfield"
	"github.com/stevecastle/lightfield/platform"
)

// writeRowZip writes three 16×12 views on a horizontal camera row, named so
// positions come from the file names.
func writeRowZip(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, name := range []string{"view_-1_0.png", "view_0_0.png", "view_1_0.png"} {
		img := image.NewRGBA(image.Rect(0, 0, 16, 12))
		for y := 0; y < 12; y++ {
			for x := 0; x < 16; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(x + i), G: uint8(y), B: 7, A: 255})
			}
		}
		w, err := zw.Create(name)
		require.NoError(t, err)
		require.NoError(t, png.Encode(w, img))
	}
	require.NoError(t, zw.Close())

	p := filepath.Join(t.TempDir(), "row.zip")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv(platform.ConfigDirEnv, t.TempDir())
}

func TestRunDefaultsToCenterPixelOfCenterView(t *testing.T) {
	isolateConfig(t)
	src := writeRowZip(t)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-radius", "1", src}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var rec correspond.Record
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rec))
	assert.Equal(t, 1, rec.ReferenceView)
	assert.Equal(t, image.Pt(8, 6), rec.Pixel)
	assert.Equal(t, 1, rec.Radius)
	require.Len(t, rec.Results, 2)
	assert.Equal(t, 0, rec.Results[0].View)
	assert.Equal(t, 2, rec.Results[1].View)
	assert.Contains(t, stderr.String(), "center view")
}

func TestRunWritesDebugImagesAndOpensMain(t *testing.T) {
	isolateConfig(t)
	src := writeRowZip(t)
	dir := filepath.Join(t.TempDir(), "debug")
	out := filepath.Join(t.TempDir(), "record.json")

	var opened string
	orig := openFile
	openFile = func(p string) error { opened = p; return nil }
	t.Cleanup(func() { openFile = orig })

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-radius", "1", "-ref", "0", "-x", "5", "-y", "5", "-debug", dir, "-open", "-out", out, src},
		&stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	assert.Empty(t, stdout.String())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var rec correspond.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, 0, rec.ReferenceView)
	assert.Equal(t, image.Pt(5, 5), rec.Pixel)

	assert.Equal(t, filepath.Join(dir, lightfield.MainDebugName), opened)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunUsageErrors(t *testing.T) {
	isolateConfig(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no source", nil},
		{"two sources", []string{"a.zip", "b.zip"}},
		{"x without y", []string{"-x", "3", "a.zip"}},
		{"open without debug", []string{"-open", "a.zip"}},
		{"unknown flag", []string{"-colour", "red", "a.zip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, 2, run(context.Background(), tt.args, &stdout, &stderr))
		})
	}
}

func TestRunQueryErrors(t *testing.T) {
	isolateConfig(t)
	src := writeRowZip(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"-radius", "1", "-x", "0", "-y", "0", src}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "out of bounds")

	stderr.Reset()
	assert.Equal(t, 1, run(context.Background(), []string{filepath.Join(t.TempDir(), "missing.zip")}, &stdout, &stderr))
}

// failingCloser accepts writes and fails on Close, like a file whose
// buffered data cannot be flushed.
type failingCloser struct {
	bytes.Buffer
}

func (f *failingCloser) Close() error { return errors.New("disk quota exceeded") }

func TestRunReportsOutputCloseError(t *testing.T) {
	isolateConfig(t)
	src := writeRowZip(t)

	fc := &failingCloser{}
	orig := createFile
	createFile = func(string) (io.WriteCloser, error) { return fc, nil }
	t.Cleanup(func() { createFile = orig })

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-radius", "1", "-out", "record.json", src}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "disk quota exceeded")
	assert.Contains(t, fc.String(), `"referenceView"`)
}

func TestOptionsApply(t *testing.T) {
	cfg := appconfig.Config{
		Engine: appconfig.Engine{PatchRadius: 3, MaxWalkSteps: 50, Workers: 2},
		Loader: appconfig.Loader{Channels: 3, MaxDimension: 800},
	}

	ec, lo := options{radius: -1, maxSteps: -1, maxDim: -1}.apply(cfg)
	assert.Equal(t, 3, ec.PatchRadius)
	assert.Equal(t, 50, ec.MaxWalkSteps)
	assert.Equal(t, 2, ec.Workers)
	assert.Equal(t, 800, lo.MaxDimension)

	ec, lo = options{radius: 0, maxSteps: 0, workers: 8, channels: 1, maxDim: 0}.apply(cfg)
	assert.Equal(t, 0, ec.PatchRadius)
	assert.Equal(t, 0, ec.MaxWalkSteps)
	assert.Equal(t, 8, ec.Workers)
	assert.Equal(t, 1, lo.Channels)
	assert.Equal(t, 0, lo.MaxDimension)
}
