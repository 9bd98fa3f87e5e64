// Package metrics aggregates counters into per-minute buckets and
// reports sliding windows over them on demand. A Unit is declared as a
// struct field tagged `mtx`; the tag's first rune selects how samples
// reduce: plain sum by default, '.' counts occurrences, '$' averages,
// '%' turns the average into a percentage.
package metrics

import (
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// A day of minute buckets, enough to back the widest window.
const historyMin = 24 * 60

var windows = [...]int{1, 5, 15, 60, 6 * 60, 24 * 60} // minutes

type bucket struct {
	sum, n int
}

type Unit struct {
	name string
	mode byte // 0 sum, '.' count, '$' avg, '%' percent
	hist [historyMin]bucket
}

type sheet struct {
	name  string
	units []*Unit
}

type Collector struct {
	mu     sync.Mutex
	minute int // unix minute the cursor sits on
	slot   int // minute % historyMin
	sheets []sheet
	all    []*Unit
}

func NewCollector() *Collector {
	m := int(time.Now().Unix() / 60)
	return &Collector{minute: m, slot: m % historyMin}
}

// Register adds every tagged Unit field of the struct pointed to by
// units under the given sheet name. A struct already seen is left alone.
func (c *Collector) Register(name string, units interface{}) {
	v := reflect.ValueOf(units).Elem()
	t := v.Type()

	var us []*Unit
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("mtx")
		if tag == "" {
			continue
		}
		u := v.Field(i).Addr().Interface().(*Unit)
		if u.name != "" {
			return
		}
		switch tag[0] {
		case '.', '$', '%':
			u.mode = tag[0]
			tag = strings.TrimSpace(tag[1:])
		}
		u.name = tag
		us = append(us, u)
	}

	c.mu.Lock()
	c.sheets = append(c.sheets, sheet{name, us})
	c.all = append(c.all, us...)
	c.mu.Unlock()
}

// Add records one sample. Count records a bare occurrence.
func (c *Collector) Add(u *Unit, v int) {
	c.mu.Lock()
	c.advance()
	b := &u.hist[c.slot]
	b.sum += v
	b.n++
	c.mu.Unlock()
}

func (c *Collector) Count(u *Unit) {
	c.Add(u, 0)
}

// advance moves the cursor to the current minute, clearing every bucket
// the clock has passed over. Callers hold mu.
func (c *Collector) advance() {
	now := int(time.Now().Unix() / 60)
	for c.minute < now {
		c.minute++
		c.slot = c.minute % historyMin
		for _, u := range c.all {
			u.hist[c.slot] = bucket{}
		}
	}
}

// window folds the last w minute buckets together. Callers hold mu.
func (u *Unit) window(slot, w int) (b bucket) {
	for i := 0; i < w; i++ {
		h := u.hist[(slot-i+historyMin)%historyMin]
		b.sum += h.sum
		b.n += h.n
	}
	return
}

func (u *Unit) render(b bucket) string {
	switch u.mode {
	case '.':
		return strconv.Itoa(b.n)
	case '$':
		if b.n == 0 {
			return "-"
		}
		return fmt.Sprintf("%.1f", float64(b.sum)/float64(b.n))
	case '%':
		if b.n == 0 {
			return "-"
		}
		return fmt.Sprintf("%.0f%%", 100*float64(b.sum)/float64(b.n))
	}
	return strconv.Itoa(b.sum)
}

func label(m int) string {
	switch {
	case m < 60:
		return fmt.Sprintf("%dm", m)
	case m < 24*60:
		return fmt.Sprintf("%dh", m/60)
	}
	return fmt.Sprintf("%dd", m/(24*60))
}

func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<table border='1'>\n")
	for _, sh := range c.sheets {
		fmt.Fprintf(&b, "<tr><th>%s</th>", sh.name)
		for _, wm := range windows {
			fmt.Fprintf(&b, "<th>%s</th>", label(wm))
		}
		b.WriteString("</tr>\n")
		for _, u := range sh.units {
			fmt.Fprintf(&b, "<tr><td>%s</td>", u.name)
			for _, wm := range windows {
				fmt.Fprintf(&b, "<td>%s</td>", u.render(u.window(c.slot, wm)))
			}
			b.WriteString("</tr>\n")
		}
	}
	b.WriteString("</table>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(b.String()))
}
