// Package diag implements the heap profiler of spec.md §6: a CSV log
// of every allocation passed to Record (there is no size floor), tagged
// with the 4 innermost call frames above the allocator so a post-mortem
// tool (cmd/skiprtctl) can group by call site.
package diag

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-stack/stack"

	"github.com/skiprt/objruntime/concurrency"
	"github.com/skiprt/objruntime/kindmap"
)

// callSiteDepth is how many frames above the allocation call are
// captured, matching spec.md §6.
const callSiteDepth = 4

// Site aggregates every allocation seen from one call site.
type Site struct {
	Frames string
	Count  int64
	Bytes  int64
}

// HeapProfiler accumulates per-call-site allocation stats and can
// stream them out as CSV to any io.Writer (WriteCSV) or to a file at a
// path the caller chooses (WriteCSVFile).
type HeapProfiler struct {
	sites concurrency.StripedMap[string, *Site]
}

// NewHeapProfiler builds an empty profiler.
func NewHeapProfiler() *HeapProfiler { return &HeapProfiler{} }

// Record notes one allocation of size bytes and kind k, attributing it
// to the call site callStack.Caller(skip) frames above it.
func (h *HeapProfiler) Record(size uintptr, k kindmap.Kind, skip int) {
	frames := captureFrames(skip + 1)
	key := fmt.Sprintf("%s|%s", k, frames)

	existing, loaded := h.sites.Load(key)
	if !loaded {
		existing = &Site{Frames: frames}
		h.sites.Store(key, existing)
	}
	existing.Count++
	existing.Bytes += int64(size)
}

func captureFrames(skip int) string {
	call := stack.Caller(skip)
	trace := stack.Trace().TrimBelow(call)
	if len(trace) > callSiteDepth {
		trace = trace[:callSiteDepth]
	}
	out := ""
	for i, f := range trace {
		if i > 0 {
			out += ";"
		}
		out += fmt.Sprintf("%+n (%+s:%d)", f, f, f)
	}
	return out
}

// WriteCSV writes every accumulated site, one row per site, to w:
// columns are kind, count, bytes, call-site frames.
func (h *HeapProfiler) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"kind", "count", "bytes", "call_site"}); err != nil {
		return err
	}
	var writeErr error
	h.sites.Range(func(key string, site *Site) bool {
		kind := key
		if idx := indexByte(key, '|'); idx >= 0 {
			kind = key[:idx]
		}
		writeErr = cw.Write([]string{kind, strconv.FormatInt(site.Count, 10), strconv.FormatInt(site.Bytes, 10), site.Frames})
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile is the usual entry point: it creates a fresh file at
// path (truncating any existing one) and writes the CSV into it.
func (h *HeapProfiler) WriteCSVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return h.WriteCSV(f)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
