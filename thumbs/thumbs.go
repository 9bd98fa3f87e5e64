// Package thumbs scales decoded rasters down and writes them out as PNG
// files through a fixed pool of encode workers.
package thumbs

import (
	"image"
	stdpng "image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"pngd/raster"
)

type encTask struct {
	img    *raster.Image
	width  int
	path   string
	report *sync.WaitGroup
}

var tasks chan encTask
var once sync.Once

// Start brings up n encode workers. Later calls are no-ops.
func Start(n int) {
	once.Do(func() {
		tasks = make(chan encTask)
		for i := 0; i < n; i++ {
			go worker()
		}
	})
}

// Encode queues one thumbnail write; report is done when the file is on
// disk (or the attempt failed and was logged).
func Encode(img *raster.Image, width int, path string, report *sync.WaitGroup) {
	tasks <- encTask{img, width, path, report}
}

func worker() {
	for task := range tasks {
		write(task)
		task.report.Done()
	}
}

// Size clamps the requested width to the source and keeps the aspect
// ratio, never collapsing a side to zero.
func Size(img *raster.Image, width int) (w, h int) {
	b := img.Bounds()
	w = width
	if w <= 0 || w > b.Dx() {
		w = b.Dx()
	}
	h = (w*b.Dy() + b.Dx()/2) / b.Dx()
	if h < 1 {
		h = 1
	}
	return
}

func write(task encTask) {
	w, h := Size(task.img, task.width)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), task.img.NRGBA(), task.img.Bounds(), draw.Src, nil)

	fd, err := os.Create(task.path)
	if err != nil {
		if err = os.MkdirAll(filepath.Dir(task.path), os.ModePerm); err == nil {
			fd, err = os.Create(task.path)
		}
		if err != nil {
			log.Error().Err(err).Str("path", task.path).Msg("thumb create")
			return
		}
	}
	if err := stdpng.Encode(fd, dst); err != nil {
		log.Error().Err(err).Str("path", task.path).Msg("thumb encode")
	}
	fd.Close()
}
