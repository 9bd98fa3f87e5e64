package thumbs

import (
	stdpng "image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pngd/raster"
)

func testImage(w, h int) *raster.Image {
	img := raster.New(w, h)
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	return img
}

func TestSize(t *testing.T) {
	img := testImage(100, 50)
	w, h := Size(img, 40)
	assert.Equal(t, 40, w)
	assert.Equal(t, 20, h)

	// Requests wider than the source clamp to it.
	w, h = Size(img, 500)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)

	// A sliver never rounds down to nothing.
	w, h = Size(testImage(300, 1), 30)
	assert.Equal(t, 30, w)
	assert.Equal(t, 1, h)
}

func TestEncodeWritesScaledPNG(t *testing.T) {
	Start(2)
	path := filepath.Join(t.TempDir(), "deep", "thumb.png")

	var wg sync.WaitGroup
	wg.Add(1)
	Encode(testImage(64, 32), 16, path, &wg)
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	out, err := stdpng.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 16, out.Bounds().Dx())
	assert.Equal(t, 8, out.Bounds().Dy())
}
