package collector

import "github.com/skiprt/objruntime/obstack"

// ShouldCollect implements a GCRatio heuristic (GCSquawk is not used): a
// cycle is worth running once the object count has grown past ratio
// times what survived the previous cycle. liveAfterLastCycle is 0
// before the first cycle, in which case threshold alone gates it.
func ShouldCollect(o *obstack.Obstack, liveAfterLastCycle int, ratio float64, threshold int) bool {
	n := len(o.Objects())
	if n < threshold {
		return false
	}
	if liveAfterLastCycle == 0 {
		return true
	}
	return float64(n) >= float64(liveAfterLastCycle)*ratio
}

// CollectAuto runs Collect against note only if ShouldCollect says it
// is warranted, and returns the post-cycle live count either way
// (unchanged if no cycle ran).
func (c *Collector) CollectAuto(o *obstack.Obstack, note obstack.Pos, liveAfterLastCycle int, ratio float64, threshold int) int {
	if !ShouldCollect(o, liveAfterLastCycle, ratio, threshold) {
		return liveAfterLastCycle
	}
	c.Collect(o, note, nil)
	return len(o.Objects())
}
