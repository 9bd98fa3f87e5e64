// pngd serves PNG thumbnails and metadata. A request names a source
// image under the configured directory and a thumbnail width; the
// decoded raster is cached in memory, the scaled thumbnail and a JSON
// layout on disk, and the cache janitor expires idle entries.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"pngd/conf"
	"pngd/garcol"
	"pngd/imgmgr"
	"pngd/metrics"
	"pngd/png"
	"pngd/raster"
	"pngd/thumbs"
)

// A caller abandoned in the queue long enough is assumed gone.
const staleAfter = 2 * time.Second

var errExpired = errors.New("request expired in queue")

type taskId struct {
	src   string
	width int
}

type task struct {
	taskId
	id      uuid.UUID
	replyto chan *response
}

type response struct {
	W     int               `json:"w,omitempty"`
	H     int               `json:"h,omitempty"`
	DPIX  float64           `json:"dpix,omitempty"`
	DPIY  float64           `json:"dpiy,omitempty"`
	Text  []raster.Property `json:"text,omitempty"`
	Thumb string            `json:"thumb,omitempty"`
	Qp    int               `json:"qp,omitempty"`
	err   error
	taskId
}

var mtx struct {
	Decodes   metrics.Unit `mtx:". decodes"`
	DecodeErr metrics.Unit `mtx:". decode errors"`
	DecodeMs  metrics.Unit `mtx:"$ decode ms"`
	Pixels    metrics.Unit `mtx:"pixels out"`
	ThumbMs   metrics.Unit `mtx:"$ thumb ms"`
}

var (
	cfg conf.Config
	im  *imgmgr.Mgr
	gc  *garcol.GC
	mc  *metrics.Collector
)

func main() {
	var err error

	cfg, err = conf.Load(conf.DefaultPath)
	if err != nil {
		log.Fatal().Err(err).Msg("conf")
	}
	setupLog()

	mc = metrics.NewCollector()
	mc.Register("pngd", &mtx)

	im, err = imgmgr.New(cfg.ImgDir, cfg.MaxWidth, cfg.MaxHeight, cfg.Slots)
	if err != nil {
		log.Fatal().Err(err).Msg("imgmgr")
	}

	if err = os.MkdirAll(cfg.CacheDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Msg("cache dir")
	}
	gc, err = garcol.New(cfg.CacheDir, cfg.CacheTTL.Std())
	if err != nil {
		log.Fatal().Err(err).Msg("garcol")
	}

	thumbs.Start(cfg.Encoders)

	reqs := make(chan *task)
	go dispatch(reqs)

	http.HandleFunc("/", handle(reqs))
	http.Handle("/cache/", http.StripPrefix("/cache/", http.FileServer(http.Dir(cfg.CacheDir))))
	http.Handle("/metrics", mc)

	log.Info().Str("listen", cfg.Listen).Msg("up")
	log.Fatal().Err(http.ListenAndServe(cfg.Listen, nil)).Msg("listen")
}

func setupLog() {
	var w zerolog.LevelWriter
	if cfg.Dev {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		w = zerolog.MultiLevelWriter(os.Stderr)
	}
	if cfg.LogFile != "" {
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

func cacheKey(id taskId) string {
	return fmt.Sprintf("%s,%dw", id.src, id.width)
}

func handle(reqs chan *task) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
			return
		}

		id, ok := parseQuery(r)
		if !ok {
			http.Error(w, "Invalid parameters", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		if serveCached(w, r, cacheKey(id)) {
			return
		}

		// Buffered so the dispatcher never has to wait on us.
		rc := make(chan *response, 1)
		reqs <- &task{taskId: id, id: uuid.New(), replyto: rc}
		rs := <-rc

		if rs.err != nil {
			code := http.StatusInternalServerError
			switch {
			case errors.Is(rs.err, imgmgr.ErrBadName):
				code = http.StatusBadRequest
			case os.IsNotExist(rs.err):
				code = http.StatusNotFound
			case errors.Is(rs.err, png.ErrTooLarge):
				code = http.StatusRequestEntityTooLarge
			case errors.Is(rs.err, errExpired):
				code = http.StatusServiceUnavailable
			}
			http.Error(w, http.StatusText(code), code)
			return
		}

		buf, _ := json.Marshal(rs)
		w.Write(buf)
	}
}

func parseQuery(r *http.Request) (id taskId, ok bool) {
	id.src = r.URL.Query().Get("src")
	if id.src == "" {
		return id, false
	}
	id.width = 256
	if qw := r.URL.Query().Get("w"); qw != "" {
		n, err := strconv.Atoi(qw)
		if err != nil || n < 1 || n > 4096 {
			return id, false
		}
		id.width = n
	}
	return id, true
}

// serveCached replies from the on-disk layout if the entry is still
// alive, refreshing both the janitor clock and the file's mtime.
func serveCached(w http.ResponseWriter, r *http.Request, key string) bool {
	if !gc.Keep(key) {
		return false
	}
	jf, err := os.Open(filepath.Join(cfg.CacheDir, key, "layout.json"))
	if err != nil {
		return false
	}
	defer jf.Close()
	now := time.Now()
	os.Chtimes(jf.Name(), now, now)
	http.ServeContent(w, r, "", time.Time{}, jf)
	return true
}

func worker(run chan *task, done chan *response) {
	for tk := range run {
		lg := log.With().Str("req", tk.id.String()).Str("src", tk.src).Int("w", tk.width).Logger()
		r := &response{taskId: tk.taskId}

		t := time.Now()
		img, err := im.Get(tk.src)
		if err != nil {
			mc.Count(&mtx.DecodeErr)
			lg.Warn().Err(err).Msg("decode")
			r.err = err
			done <- r
			continue
		}
		mc.Count(&mtx.Decodes)
		mc.Add(&mtx.DecodeMs, int(time.Since(t)/time.Millisecond))
		mc.Add(&mtx.Pixels, img.Bounds().Dx()*img.Bounds().Dy())

		key := cacheKey(tk.taskId)
		dir := filepath.Join(cfg.CacheDir, key)

		t = time.Now()
		var wg sync.WaitGroup
		wg.Add(1)
		thumbs.Encode(img, tk.width, filepath.Join(dir, "thumb.png"), &wg)
		wg.Wait()
		mc.Add(&mtx.ThumbMs, int(time.Since(t)/time.Millisecond))

		r.W = img.Bounds().Dx()
		r.H = img.Bounds().Dy()
		r.DPIX = img.DPIX
		r.DPIY = img.DPIY
		r.Text = img.Text
		r.Thumb = "/cache/" + key + "/thumb.png"
		im.Free(tk.src)

		if buf, err := json.Marshal(r); err == nil {
			os.WriteFile(filepath.Join(dir, "layout.json"), buf, 0666)
		}
		gc.Keep(key)

		lg.Info().Dur("thumb", time.Since(t)).Msg("served")
		done <- r
	}
}

// job is one unit of decode work with everyone waiting on it attached.
type job struct {
	*task
	waiters []chan *response
	asked   time.Time
}

// dispatch feeds the decode workers. Requests for the same source and
// width collapse into one job. A caller stuck behind others is answered
// at once with its queue position, and that note is the reply its
// handler sends; the job's result goes to every waiter channel, which
// the other callers are still reading. A job nobody has asked about for
// a while is dropped before it wastes a worker.
func dispatch(reqs chan *task) {
	var fifo []*job
	jobs := make(map[taskId]*job) // queued and running both
	run := make(chan *task)
	done := make(chan *response)

	for i := 0; i < cfg.Workers; i++ {
		go worker(run, done)
	}

	deliver := func(jb *job, rs *response) {
		for _, w := range jb.waiters {
			select {
			case w <- rs:
			default: // waiter already got its queue-position note
			}
		}
	}

	for {
		for len(fifo) > 0 && time.Since(fifo[0].asked) > staleAfter {
			jb := fifo[0]
			fifo = fifo[1:]
			delete(jobs, jb.taskId)
			deliver(jb, &response{err: errExpired, taskId: jb.taskId})
			log.Debug().Str("src", jb.src).Msg("expired in queue")
		}

		// Offer the head of the queue only when there is one; a nil
		// channel keeps that select arm dormant.
		var ready chan *task
		var next *task
		if len(fifo) > 0 {
			ready = run
			next = fifo[0].task
		}

		select {
		case tk := <-reqs:
			jb := jobs[tk.taskId]
			if jb == nil {
				jb = &job{task: tk}
				jobs[tk.taskId] = jb
				fifo = append(fifo, jb)
			}
			jb.asked = time.Now()
			jb.waiters = append(jb.waiters, tk.replyto)
			if pos := queuePos(fifo, jb); pos > 1 {
				tk.replyto <- &response{Qp: pos, taskId: tk.taskId}
			}

		case ready <- next:
			// The job stays in the map while it runs so duplicate
			// requests can still attach to it.
			fifo = fifo[1:]

		case rs := <-done:
			if jb := jobs[rs.taskId]; jb != nil {
				deliver(jb, rs)
				delete(jobs, rs.taskId)
			}
		}
	}
}

func queuePos(fifo []*job, jb *job) int {
	for i, q := range fifo {
		if q == jb {
			return i + 1
		}
	}
	return 0
}
