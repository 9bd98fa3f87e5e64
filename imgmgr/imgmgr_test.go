package imgmgr

import (
	"image"
	"image/color"
	stdpng "image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pngd/png"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 40), uint8(y * 40), 7, 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, stdpng.Encode(f, img))
}

func TestGetDecodesAndCaches(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 4, 3)

	m, err := New(dir, 100, 100, 10)
	require.NoError(t, err)

	img, err := m.Get("a.png")
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
	assert.Equal(t, uint8(40), img.Pix[4]) // pixel (1,0) red channel

	again, err := m.Get("a.png")
	require.NoError(t, err)
	assert.Same(t, img, again, "second hit comes from cache")
	m.Free("a.png")
	m.Free("a.png")
}

func TestGetErrors(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "big.png"), 8, 8)

	m, err := New(dir, 4, 4, 10)
	require.NoError(t, err)

	_, err = m.Get("../escape.png")
	assert.ErrorIs(t, err, ErrBadName)

	_, err = m.Get("missing.png")
	assert.True(t, os.IsNotExist(err))

	_, err = m.Get("big.png")
	assert.ErrorIs(t, err, png.ErrTooLarge)
}

func TestEviction(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 2, 2)
	writePNG(t, filepath.Join(dir, "b.png"), 2, 2)
	writePNG(t, filepath.Join(dir, "c.png"), 2, 2)

	m, err := New(dir, 100, 100, 2)
	require.NoError(t, err)

	a, err := m.Get("a.png")
	require.NoError(t, err)
	m.Free("a.png")
	_, err = m.Get("b.png")
	require.NoError(t, err)
	m.Free("b.png")

	// Filling the third slot pushes an idle entry out; the manager
	// still serves every name correctly afterwards.
	_, err = m.Get("c.png")
	require.NoError(t, err)
	m.Free("c.png")

	a2, err := m.Get("a.png")
	require.NoError(t, err)
	assert.Equal(t, a.Pix, a2.Pix)
	m.Free("a.png")
}

func TestNewRejectsNonDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err := New(file, 1, 1, 1)
	assert.Error(t, err)
	_, err = New(filepath.Join(t.TempDir(), "gone"), 1, 1, 1)
	assert.Error(t, err)
}
