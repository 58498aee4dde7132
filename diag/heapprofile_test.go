package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiprt/objruntime/kindmap"
)

func TestHeapProfilerRecordsAndWritesCSV(t *testing.T) {
	h := NewHeapProfiler()
	h.Record(64, kindmap.Obstack, 0)
	h.Record(128, kindmap.Obstack, 0)
	h.Record(32, kindmap.IObj, 0)

	var buf bytes.Buffer
	require.NoError(t, h.WriteCSV(&buf))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, "kind,count,bytes,call_site", lines[0])
	require.Len(t, lines, 4) // header + 3 rows: each Record call is on its own line, so its own call site
}
