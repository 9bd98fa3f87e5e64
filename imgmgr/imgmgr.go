// Package imgmgr keeps decoded rasters in memory, keyed by source name
// under the image directory. Requests are served by a single goroutine
// over channels; entries track a user count and a hit score, and the
// least popular idle entry makes room when the slots run out.
package imgmgr

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"pngd/png"
	"pngd/raster"
)

var ErrBadName = errors.New("imgmgr: bad source name")

type cacheRecord struct {
	img   *raster.Image
	score float64
	users int
}

type result struct {
	img *raster.Image
	err error
}

type request struct {
	src     string
	replyto chan result
}

type Mgr struct {
	dir        string
	maxW, maxH int
	slots      int
	cache      map[string]*cacheRecord
	rq         chan request
	free       chan string
}

func New(dir string, maxW, maxH, slots int) (m *Mgr, err error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return
	}
	if !fi.IsDir() {
		err = errors.New("not a dir: " + dir)
		return
	}

	m = &Mgr{
		dir:   dir,
		maxW:  maxW,
		maxH:  maxH,
		slots: slots,
		cache: make(map[string]*cacheRecord),
		rq:    make(chan request),
		free:  make(chan string),
	}
	go m.run()

	return
}

// Get decodes src (or returns the cached raster) and pins it until the
// matching Free.
func (m *Mgr) Get(src string) (*raster.Image, error) {
	r := make(chan result)
	m.rq <- request{src: src, replyto: r}
	rs := <-r
	return rs.img, rs.err
}

func (m *Mgr) Free(src string) {
	m.free <- src
}

func (m *Mgr) run() {
	for {
		select {
		case rq := <-m.rq:
			cr, ok := m.cache[rq.src]
			if !ok {
				img, err := m.decode(rq.src)
				if err != nil {
					rq.replyto <- result{err: err}
					continue
				}
				m.evict()
				cr = &cacheRecord{img: img}
				m.cache[rq.src] = cr
			}
			cr.score++
			cr.users++
			rq.replyto <- result{img: cr.img}

		case src := <-m.free:
			if cr := m.cache[src]; cr != nil && cr.users > 0 {
				cr.users--
			}
		}
	}
}

func (m *Mgr) decode(src string) (*raster.Image, error) {
	if src == "" || strings.ContainsAny(src, `/\`) || strings.Contains(src, "..") {
		return nil, ErrBadName
	}
	f, err := os.Open(filepath.Join(m.dir, src))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sink := raster.Sink{MaxWidth: m.maxW, MaxHeight: m.maxH}
	if err := png.DecodeTo(f, &sink); err != nil {
		return nil, err
	}
	return sink.Img, nil
}

// evict drops the lowest-scored unpinned entry once the cache is full.
// With every entry pinned the cache is allowed to overflow.
func (m *Mgr) evict() {
	if len(m.cache) < m.slots {
		return
	}
	var victim string
	var vcr *cacheRecord
	for src, cr := range m.cache {
		if cr.users > 0 {
			continue
		}
		if vcr == nil || cr.score < vcr.score {
			victim, vcr = src, cr
		}
	}
	if vcr != nil {
		delete(m.cache, victim)
	}
}
