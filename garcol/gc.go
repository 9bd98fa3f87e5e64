// Package garcol expires thumbnail cache directories that have not been
// touched for a while. A single goroutine owns the bookkeeping; Keep
// both registers an entry and refreshes its clock.
package garcol

import (
	"fmt"
	"os"
	"time"
)

type record struct {
	since time.Time
	timer *time.Timer
}

type request struct {
	name    string
	replyto chan bool
}

type GC struct {
	root string
	ttl  time.Duration
	list map[string]record
	kc   chan *request
	dc   chan string
}

func New(root string, ttl time.Duration) (*GC, error) {
	gc := &GC{
		root: root,
		ttl:  ttl,
		list: make(map[string]record),
		kc:   make(chan *request),
		dc:   make(chan string),
	}

	go gc.run()

	if err := gc.preload(); err != nil {
		return nil, err
	}
	return gc, nil
}

// Keep marks name live for another TTL and reports whether it was
// already tracked.
func (gc *GC) Keep(name string) (there bool) {
	rc := make(chan bool)
	gc.kc <- &request{name, rc}
	return <-rc
}

// preload picks up cache entries surviving from an earlier run so they
// expire too.
func (gc *GC) preload() error {
	d, err := os.Open(gc.root)
	if err != nil {
		return err
	}
	oldstuff, err := d.Readdirnames(-1)
	d.Close()
	if err != nil {
		return err
	}

	for _, name := range oldstuff {
		gc.Keep(name)
	}
	return nil
}

func (gc *GC) run() {
	for {
		select {
		case rq := <-gc.kc:
			rec, ok := gc.list[rq.name]
			if ok {
				if !rec.timer.Reset(gc.ttl) {
					// The timer already fired; swallow the pending delete.
					<-gc.dc
				}
				rq.replyto <- true
				break
			}
			name := rq.name
			gc.list[name] = record{
				since: time.Now(),
				timer: time.AfterFunc(gc.ttl, func() {
					gc.dc <- name
				}),
			}
			rq.replyto <- false

		case del := <-gc.dc:
			// Rename first so a concurrent reader can't see a
			// half-deleted entry under its real name.
			deltmp := fmt.Sprintf("del.%d.%s", time.Now().Unix(), del)
			os.Rename(gc.root+"/"+del, gc.root+"/"+deltmp)
			go os.RemoveAll(gc.root + "/" + deltmp)
			delete(gc.list, del)
		}
	}
}
